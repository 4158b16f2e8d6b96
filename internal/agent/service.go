package agent

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName     = "chatpact.agent.v1.Conversation"
	replyMethodName = "Reply"
	replyMethod     = "/" + serviceName + "/" + replyMethodName
)

// ConversationServer is implemented by conversational agents.
type ConversationServer interface {
	Reply(ctx context.Context, req *ReplyRequest) (*ReplyResponse, error)
}

var conversationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: replyMethodName, Handler: replyHandler},
	},
	Metadata: "chatpact/agent/v1/conversation",
}

// RegisterConversationServer registers srv on a gRPC server.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&conversationServiceDesc, srv)
}

func replyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReplyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConversationServer).Reply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: replyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConversationServer).Reply(ctx, req.(*ReplyRequest))
	}
	return interceptor(ctx, in, info, handler)
}
