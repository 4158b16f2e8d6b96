package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("database is locked") })

	for name, tc := range map[string]struct {
		checks map[string]Pinger
		want   int
	}{
		"healthy":  {map[string]Pinger{"database": ok}, http.StatusOK},
		"degraded": {map[string]Pinger{"database": ok, "conversation": down}, http.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(tc.checks).RegisterHealth(r)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
