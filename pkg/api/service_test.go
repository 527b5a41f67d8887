package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rendermesh/farmnode/pkg/api/mocks"
	nodeerrors "github.com/rendermesh/farmnode/pkg/errors"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/session"
)

func newTestService(t *testing.T) (*Service, *mocks.MockSessions, *mocks.MockNode) {
	t.Helper()
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockSessions(ctrl)
	mn := mocks.NewMockNode(ctrl)
	return NewService(ms, mn, true), ms, mn
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) object.Object {
	t.Helper()
	var body object.Object
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func requireSuccessBody(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, "true", body["success"])
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("up", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().CheckHealth().Return(nil)

		rec := doRequest(svc.Router(), http.MethodGet, "/node/1/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "UP", decodeBody(t, rec)["status"])
	})

	t.Run("down", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().CheckHealth().Return(&session.OperationError{
			Message:  "Root partition usage exceeds 98%",
			HTTPCode: 500,
		})

		rec := doRequest(svc.Router(), http.MethodGet, "/node/1/health", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "DOWN", body["status"])
		assert.Equal(t, "Root partition usage exceeds 98%", body["info"])
	})

	t.Run("typed unavailable error maps to 503", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().CheckHealth().Return(
			nodeerrors.NewUnavailableError("node router is not connected", nil))

		rec := doRequest(svc.Router(), http.MethodGet, "/node/1/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "DOWN", decodeBody(t, rec)["status"])
	})
}

func TestStatusDocument(t *testing.T) {
	t.Parallel()

	svc, ms, mn := newTestService(t)
	mn.EXPECT().CheckHealth().Return(nil)
	ms.EXPECT().IdleStatus(gomock.Any()).Do(func(out object.Object) {
		out["idle"] = false
		out["idletime"] = 0
	})

	rec := doRequest(svc.Router(), http.MethodGet, "/node/1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, false, body["idle"])
	assert.Equal(t, "1.0", body["apiVersion"])
	assert.Contains(t, body, "banned")
	assert.Contains(t, body, "tracked")
}

func TestSessionsList(t *testing.T) {
	t.Parallel()

	svc, ms, _ := newTestService(t)
	ids := []uuid.UUID{
		uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
		uuid.MustParse("e902893a-9d22-3c7e-a7b8-d6e313b71d9f"),
	}
	ms.EXPECT().ActiveSessionIDs().Return(ids)

	rec := doRequest(svc.Router(), http.MethodGet, "/node/1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{ids[0].String(), ids[1].String()}, list)
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	nodeID := "b2f55736-ae43-4c1e-a64f-f9794fbb7a7a"
	sessionID := "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	definition := fmt.Sprintf(`{
		"%s": {
			"config": {
				"sessionId": "%s",
				"computations": {"render": {"entry": "yes"}}
			}
		},
		"routing": {"%s": {"computations": {"render": {"compId": "c1", "nodeId": "%s"}}}}
	}`, nodeID, sessionID, sessionID, nodeID)

	for _, path := range []string{"/node/1/sessions", "/sessions"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			svc, ms, _ := newTestService(t)
			ms.EXPECT().Create(gomock.Any()).DoAndReturn(
				func(def object.Object) (object.Object, error) {
					require.Contains(t, def, nodeID)
					require.Contains(t, def, "routing")
					return object.Object{"sessionId": sessionID}, nil
				})

			rec := doRequest(svc.Router(), http.MethodPost, path, definition)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, sessionID, decodeBody(t, rec)["sessionId"])
		})
	}

	t.Run("definition failing the schema is rejected", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)

		rec := doRequest(svc.Router(), http.MethodPost, "/sessions", `{"routing": 42}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid session definition")
	})

	t.Run("malformed JSON is rejected", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)

		rec := doRequest(svc.Router(), http.MethodPost, "/sessions", "{nope")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid session definition")
	})

	t.Run("conflict surfaces as 409", func(t *testing.T) {
		t.Parallel()
		svc, ms, _ := newTestService(t)
		ms.EXPECT().Create(gomock.Any()).Return(nil, &session.OperationError{
			Message:  "Session already exists",
			HTTPCode: 409,
		})

		rec := doRequest(svc.Router(), http.MethodPost, "/sessions", definition)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "Session already exists")
	})
}

func TestModifySessions(t *testing.T) {
	t.Parallel()

	svc, ms, _ := newTestService(t)
	ms.EXPECT().Modify(gomock.Any()).Return(object.Object{"applied": true}, nil)

	rec := doRequest(svc.Router(), http.MethodPut, "/sessions/modify", `{"routing": {}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["applied"])
}

func TestSessionSignal(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")

	t.Run("forwards payload", func(t *testing.T) {
		t.Parallel()
		svc, ms, _ := newTestService(t)
		ms.EXPECT().Signal(id, object.Object{"status": "shutdownByDispatcher"}).Return(nil)

		rec := doRequest(svc.Router(), http.MethodPut,
			"/node/1/sessions/"+id.String()+"/status", `{"status": "shutdownByDispatcher"}`)
		requireSuccessBody(t, rec)
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()
		svc, ms, _ := newTestService(t)
		ms.EXPECT().Signal(id, gomock.Any()).Return(&session.OperationError{
			Message:  "Session does not exist",
			HTTPCode: 404,
		})

		rec := doRequest(svc.Router(), http.MethodPut,
			"/sessions/"+id.String()+"/status", `{"status": "run"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "Session does not exist")
	})

	t.Run("unparseable id becomes a lookup miss", func(t *testing.T) {
		t.Parallel()
		svc, ms, _ := newTestService(t)
		ms.EXPECT().Signal(uuid.Nil, gomock.Any()).Return(&session.OperationError{
			Message:  "Session does not exist",
			HTTPCode: 404,
		})

		rec := doRequest(svc.Router(), http.MethodPut, "/sessions/not-a-uuid/status", `{}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSessionStatusAndPerformance(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")

	svc, ms, _ := newTestService(t)
	ms.EXPECT().Status(id).Return(object.Object{"state": "Busy"}, nil)
	ms.EXPECT().Performance(id).Return(object.Object{"memory": 12.5}, nil)

	rec := doRequest(svc.Router(), http.MethodGet, "/node/1/sessions/"+id.String()+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Busy", decodeBody(t, rec)["state"])

	rec = doRequest(svc.Router(), http.MethodGet, "/node/1/sessions/"+id.String()+"/performance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12.5, decodeBody(t, rec)["memory"])
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")

	svc, ms, _ := newTestService(t)
	ms.EXPECT().Delete(id, "render complete").Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/sessions/"+id.String(), nil)
	req.Header.Set("X-Session-Delete-Reason", "render complete")
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)

	requireSuccessBody(t, rec)
}

func TestNodeStatusEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("set status", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().SetStatus(object.Object{"status": "closed"}).Return(nil)

		rec := doRequest(svc.Router(), http.MethodPut, "/status", `{"status": "closed"}`)
		requireSuccessBody(t, rec)
	})

	t.Run("registration alias", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().SetStatus(object.Object{"status": "open"}).Return(nil)

		rec := doRequest(svc.Router(), http.MethodPut, "/registration", `{"status": "open"}`)
		requireSuccessBody(t, rec)
	})

	t.Run("missing status field", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().SetStatus(gomock.Any()).Return(&session.OperationError{
			Message:  "Request body is missing 'status' field",
			HTTPCode: 400,
		})

		rec := doRequest(svc.Router(), http.MethodPut, "/status", `{}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing 'status' field")
	})
}

func TestTagEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("update", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().UpdateTags(map[string]any{"exclusive_user": "jdoe"}).Return(nil)

		rec := doRequest(svc.Router(), http.MethodPut, "/node/tags", `{"exclusive_user": "jdoe"}`)
		requireSuccessBody(t, rec)
	})

	t.Run("update rejects non-objects", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().UpdateTags([]any{"oops"}).Return(&session.OperationError{
			Message:  "Invalid tag set (JSON object is required)",
			HTTPCode: 400,
		})

		rec := doRequest(svc.Router(), http.MethodPut, "/node/tags", `["oops"]`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid tag set")
	})

	t.Run("delete single tag wraps it in a list", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().DeleteTags([]any{"exclusive_user"}).Return(nil)

		rec := doRequest(svc.Router(), http.MethodDelete, "/node/tag/exclusive_user", "")
		requireSuccessBody(t, rec)
	})

	t.Run("delete list", func(t *testing.T) {
		t.Parallel()
		svc, _, mn := newTestService(t)
		mn.EXPECT().DeleteTags([]any{"exclusive_user", "exclusive_production"}).Return(nil)

		rec := doRequest(svc.Router(), http.MethodDelete, "/node/tags",
			`["exclusive_user", "exclusive_production"]`)
		requireSuccessBody(t, rec)
	})
}

func TestUnhandledEndpoints(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	h := svc.Router()

	rec := doRequest(h, http.MethodGet, "/bogus", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported GET endpoint: /bogus")

	rec = doRequest(h, http.MethodPost, "/bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported POST endpoint: /bogus")

	rec = doRequest(h, http.MethodDelete, "/bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported DELETE endpoint: /bogus")

	// A known path with the wrong method is unsupported, not 405.
	rec = doRequest(h, http.MethodPatch, "/status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported PATCH endpoint: /status")
}

func TestBanFlow(t *testing.T) {
	t.Parallel()

	svc, _, mn := newTestService(t)
	h := svc.Router()

	sendFrom := func(addr, method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// Five missed GETs are tolerated. The source port changes per
	// request, as it would for separate connections.
	for i := 0; i < 5; i++ {
		rec := sendFrom(fmt.Sprintf("203.0.113.9:%d", 40000+i), http.MethodGet, "/bogus")
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	rec := sendFrom("203.0.113.9:40005", http.MethodGet, "/bogus")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The ban covers mapped GET endpoints too. CheckHealth has no
	// expectation, so reaching the handler would fail the test.
	rec = sendFrom("203.0.113.9:40006", http.MethodGet, "/node/1/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Writes from the banned address still go through.
	mn.EXPECT().SetStatus(gomock.Any()).Return(nil)
	req := httptest.NewRequest(http.MethodPut, "/status", strings.NewReader(`{"status": "open"}`))
	req.RemoteAddr = "203.0.113.9:40007"
	putRec := httptest.NewRecorder()
	h.ServeHTTP(putRec, req)
	requireSuccessBody(t, putRec)

	// Other addresses are unaffected.
	mn.EXPECT().CheckHealth().Return(nil)
	rec = sendFrom("198.51.100.7:5000", http.MethodGet, "/node/1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFaviconMissesDoNotBan(t *testing.T) {
	t.Parallel()

	svc, _, mn := newTestService(t)
	h := svc.Router()

	for i := 0; i < 8; i++ {
		rec := doRequest(h, http.MethodGet, "/favicon.ico", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Contains(t, rec.Body.String(), "Unsupported GET endpoint: /favicon.ico")
	}

	mn.EXPECT().CheckHealth().Return(nil)
	rec := doRequest(h, http.MethodGet, "/node/1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBanDisabled(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := NewService(mocks.NewMockSessions(ctrl), mocks.NewMockNode(ctrl), false)
	h := svc.Router()

	for i := 0; i < 8; i++ {
		rec := doRequest(h, http.MethodGet, "/bogus", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	rec := doRequest(svc.Router(), http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["version"])
	assert.NotEmpty(t, body["go_version"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	rec := doRequest(svc.Router(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "farmnode_http_banned_requests_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestProfilingEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("disabled by default", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)

		rec := doRequest(svc.Router(), http.MethodGet, "/debug/pprof/cmdline", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("mounted when enabled", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		svc.EnableProfiling()

		rec := doRequest(svc.Router(), http.MethodGet, "/debug/pprof/cmdline", "")
		require.Equal(t, http.StatusOK, rec.Code)
	})
}
