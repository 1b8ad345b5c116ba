package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskshare/docstore"
	"taskshare/domain"
	"taskshare/repository"
)

// fakeSessions maps bearer values to sessions; "bad" yields an error.
type fakeSessions map[string]*Session

func (f fakeSessions) Session(r *http.Request) (*Session, error) {
	raw := strings.TrimPrefix(r.Header.Get(echo.HeaderAuthorization), "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return nil, nil
	}
	if raw == "bad" {
		return nil, errors.New("token expired")
	}
	return f[raw], nil
}

var testSessions = fakeSessions{
	"alice": {Email: "a@x.com", Name: "Alice"},
	"bob":   {Email: "b@x.com", Name: "Bob"},
	"anon":  {Email: "c@x.com"},
}

type testServer struct {
	e        *echo.Echo
	tasks    *repository.Tasks
	comments *repository.Comments
	logger   *log.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := docstore.New(docstore.NewMemory(), docstore.NewBroker(), logger)
	tasks := repository.NewTasks(store, logger)
	comments := repository.NewComments(store, tasks, logger)

	e := echo.New()
	e.JSONSerializer = SonicSerializer{}
	Register(e, tasks, comments, testSessions, Options{BaseURL: "https://tasks.example.com/"}, logger)
	return &testServer{e: e, tasks: tasks, comments: comments, logger: logger}
}

func (s *testServer) do(method, target, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateAndListTasks(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/tasks", "alice", `{"text":"  Buy milk ","isPublic":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[idResponse](t, rec)
	if created.ID == "" {
		t.Fatal("expected task id")
	}

	rec = s.do(http.MethodGet, "/api/tasks", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decode[tasksResponse](t, rec)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != created.ID || list.Tasks[0].Text != "Buy milk" {
		t.Fatalf("unexpected tasks %+v", list.Tasks)
	}

	rec = s.do(http.MethodGet, "/api/tasks", "bob", "")
	if list := decode[tasksResponse](t, rec); len(list.Tasks) != 0 {
		t.Fatalf("bob should not see alice's tasks, got %+v", list.Tasks)
	}
}

func TestCreateTaskErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{name: "anonymous", user: "", body: `{"text":"x"}`, status: http.StatusUnauthorized},
		{name: "bad token", user: "bad", body: `{"text":"x"}`, status: http.StatusUnauthorized},
		{name: "blank text", user: "alice", body: `{"text":"   "}`, status: http.StatusBadRequest},
		{name: "malformed", user: "alice", body: `{"text":`, status: http.StatusBadRequest},
		{name: "unknown field", user: "alice", body: `{"text":"x","owner":"b@x.com"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/tasks", tt.user, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDeleteTaskOwnerOnly(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id, err := s.tasks.CreateTask(ctx, "a@x.com", "Buy milk", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec := s.do(http.MethodDelete, "/api/tasks/"+id, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous delete, got %d", rec.Code)
	}
	if rec := s.do(http.MethodDelete, "/api/tasks/"+id, "bob", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for foreign delete, got %d", rec.Code)
	}
	if _, err := s.tasks.GetPublicTask(ctx, id); err != nil {
		t.Fatalf("foreign delete must not remove the task: %v", err)
	}

	if rec := s.do(http.MethodDelete, "/api/tasks/"+id, "alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := s.tasks.GetPublicTask(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected task to be gone, got %v", err)
	}
	if rec := s.do(http.MethodDelete, "/api/tasks/"+id, "alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected repeated delete to succeed, got %d", rec.Code)
	}
}

func TestPublicTaskPage(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	private, err := s.tasks.CreateTask(ctx, "a@x.com", "Buy milk", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	public, err := s.tasks.CreateTask(ctx, "a@x.com", "Read book", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, id := range []string{private, "missing"} {
		rec := s.do(http.MethodGet, "/task/"+id, "", "")
		if rec.Code != http.StatusFound || rec.Header().Get(echo.HeaderLocation) != "/" {
			t.Fatalf("task %s: expected redirect home, got %d %q", id, rec.Code, rec.Header().Get(echo.HeaderLocation))
		}
	}

	rec := s.do(http.MethodGet, "/task/"+public, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	page := decode[publicTaskResponse](t, rec)
	if page.Task.Text != "Read book" || page.CreatedDate == "" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.ShareURL != "https://tasks.example.com/task/"+public {
		t.Fatalf("unexpected share url %q", page.ShareURL)
	}
	if page.CanComment {
		t.Fatal("anonymous visitor must not be offered commenting")
	}
	if page.Comments == nil || len(page.Comments) != 0 {
		t.Fatalf("expected empty comment list, got %#v", page.Comments)
	}

	if page := decode[publicTaskResponse](t, s.do(http.MethodGet, "/task/"+public, "bob", "")); !page.CanComment {
		t.Fatal("signed-in visitor with a name should be able to comment")
	}
	if page := decode[publicTaskResponse](t, s.do(http.MethodGet, "/task/"+public, "bad", "")); page.CanComment {
		t.Fatal("invalid token should be treated as anonymous")
	}
}

func TestCommentFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	t1, err := s.tasks.CreateTask(ctx, "a@x.com", "Buy milk", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t2, err := s.tasks.CreateTask(ctx, "a@x.com", "Read book", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec := s.do(http.MethodPost, "/api/tasks/"+t2+"/comments", "", `{"text":"hi"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/tasks/"+t2+"/comments", "anon", `{"text":"hi"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without display name, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/tasks/"+t1+"/comments", "bob", `{"text":"hi"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on private task, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/api/tasks/"+t1+"/comments", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 listing private task comments, got %d", rec.Code)
	}

	rec := s.do(http.MethodPost, "/api/tasks/"+t2+"/comments", "bob", `{"text":"Nice!"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/api/tasks/"+t2+"/comments", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decode[commentsResponse](t, rec)
	if len(list.Comments) != 1 {
		t.Fatalf("expected one comment, got %+v", list.Comments)
	}
	c := list.Comments[0]
	if c.Text != "Nice!" || c.Author != "b@x.com" || c.AuthorDisplayName != "Bob" {
		t.Fatalf("unexpected comment %+v", c)
	}
}

type unavailableTasks struct{ TaskService }

func (unavailableTasks) ListOwnedTasks(context.Context, string) ([]domain.Task, error) {
	return nil, domain.Unavailable("listOwnedTasks", errors.New("timeout"))
}

func (unavailableTasks) GetPublicTask(context.Context, string) (domain.PublicTask, error) {
	return domain.PublicTask{}, domain.Unavailable("getPublicTask", errors.New("timeout"))
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	Register(e, unavailableTasks{}, nil, testSessions, Options{}, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer alice")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "timeout") {
		t.Fatalf("store details leaked to client: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/task/abc", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on public page, got %d", rec.Code)
	}

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "document store unavailable" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected store failure to be logged")
	}
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := healthz(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
