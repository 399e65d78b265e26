package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/studygroup-relay/internal/auth"
	"github.com/npezzotti/studygroup-relay/internal/testutil"
	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	require.NoError(t, err)
	return token
}

func validToken(t *testing.T, userId, name string) string {
	return signToken(t, jwt.MapClaims{
		"sub":  userId,
		"name": name,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
}

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &RelayApp{
		log: testutil.TestLogger(t),
	}

	app.log.SetOutput(buf)

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "panic: test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &RelayApp{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	app := &RelayApp{
		log:   testutil.TestLogger(t),
		authn: auth.NewAuthenticator(testSigningKey),
	}

	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		code     int
		identity types.Identity
	}{
		{
			name: "bearer header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+validToken(t, "42", "alice"))
			},
			code:     http.StatusOK,
			identity: types.Identity{UserId: "42", Username: "alice"},
		},
		{
			name: "cookie",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "token", Value: validToken(t, "7", "bob")})
			},
			code:     http.StatusOK,
			identity: types.Identity{UserId: "7", Username: "bob"},
		},
		{
			name:  "missing token",
			setup: func(r *http.Request) {},
			code:  http.StatusUnauthorized,
		},
		{
			name: "bad signature",
			setup: func(r *http.Request) {
				token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"sub": "42",
					"exp": time.Now().Add(time.Hour).Unix(),
				}).SignedString([]byte("other-key"))
				require.NoError(t, err)
				r.Header.Set("Authorization", "Bearer "+token)
			},
			code: http.StatusUnauthorized,
		},
		{
			name: "expired",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
					"sub": "42",
					"exp": time.Now().Add(-time.Minute).Unix(),
				}))
			},
			code: http.StatusUnauthorized,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var got types.Identity
			next := func(w http.ResponseWriter, r *http.Request) {
				identity, ok := IdentityFrom(r.Context())
				require.True(t, ok, "expected identity in request context")
				got = identity
				w.WriteHeader(http.StatusOK)
			}

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()

			app.authMiddleware(next)(rr, req)

			assert.Equal(t, tc.code, rr.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, tc.identity, got)
				assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
			} else {
				assert.JSONEq(t, `{"status_code":401,"message":"unauthorized"}`, rr.Body.String())
			}
		})
	}
}

func TestIdentityFrom(t *testing.T) {
	_, ok := IdentityFrom(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok, "expected no identity on a bare context")

	identity := types.Identity{UserId: "1", Username: "alice"}
	got, ok := IdentityFrom(WithIdentity(httptest.NewRequest(http.MethodGet, "/", nil).Context(), identity))
	assert.True(t, ok)
	assert.Equal(t, identity, got)
}

func TestApiError(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewServiceUnavailableError(inner)

	assert.Equal(t, http.StatusServiceUnavailable, err.StatusCode)
	assert.Equal(t, "service unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "unauthorized", NewUnauthorizedError().Error())
}
