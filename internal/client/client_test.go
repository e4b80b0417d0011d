package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mashvarat/legalchat/internal/api"
	"github.com/mashvarat/legalchat/internal/conversation"
	"github.com/mashvarat/legalchat/internal/dispatch"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/identity"
	"github.com/mashvarat/legalchat/internal/lock"
	"github.com/mashvarat/legalchat/internal/poller"
	"github.com/mashvarat/legalchat/internal/store"
	"github.com/mashvarat/legalchat/internal/worker"
)

// slowWorker never answers in time; the test writes the answer itself,
// the way the real worker does out of band.
type slowWorker struct{}

func (slowWorker) Dispatch(ctx context.Context, _ worker.Request) (*worker.Answer, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowWorker) Close() error { return nil }

func newServer(t *testing.T) (*httptest.Server, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	router := api.NewRouter(api.RouterConfig{
		Repo:           repo,
		Conversation:   conversation.NewService(repo, lock.NewLocal()),
		Dispatch:       dispatch.NewService(repo, slowWorker{}, 20*time.Millisecond),
		Verifier:       identity.DevVerifier{},
		AllowedOrigins: []string{"*"},
		MaxBodySize:    1 << 20,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, repo
}

func newClient(srv *httptest.Server, clerkID string) *Client {
	return New(Options{BaseURL: srv.URL + "/", Token: clerkID, ClerkID: clerkID, DevMode: true})
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(srv, "user_cli")
	ctx := context.Background()

	list, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	first := list.ActiveID()
	if first == "" || len(list.Sessions) != 1 {
		t.Fatalf("Expected one bootstrapped session, got %+v", list)
	}

	second, err := c.NewSession(ctx)
	if err != nil || second == "" || second == first {
		t.Fatalf("NewSession: %q, %v", second, err)
	}
	if err := c.ActivateSession(ctx, first); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}

	all, err := c.AllSessions(ctx)
	if err != nil {
		t.Fatalf("AllSessions: %v", err)
	}
	if len(all.Sessions) != 2 || all.ActiveID() != first {
		t.Errorf("Expected 2 sessions with %s active, got %+v", first, all)
	}

	if _, err := c.AppendMessage(ctx, first, domain.RoleUser, "سلام"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msgs, err := c.History(ctx, first, 0)
	if err != nil || len(msgs) != 1 || msgs[0].Message != "سلام" {
		t.Errorf("Expected one message, got %+v, %v", msgs, err)
	}
}

func TestAPIError(t *testing.T) {
	srv, _ := newServer(t)
	owner := newClient(srv, "user_owner")
	other := newClient(srv, "user_other")
	ctx := context.Background()

	list, _ := owner.Sessions(ctx)
	err := other.ActivateSession(ctx, list.ActiveID())

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Error() != "Invalid session" {
		t.Errorf("Expected 403 Invalid session, got %d %q", apiErr.Status, apiErr.Error())
	}

	anon := New(Options{BaseURL: srv.URL, ClerkID: "nobody"})
	if _, err := anon.Sessions(ctx); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", err)
	}
}

func TestAskPollsUntilWorkerWritesAnswer(t *testing.T) {
	srv, repo := newServer(t)
	c := newClient(srv, "user_poll")
	ctx := context.Background()

	list, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	sid := list.ActiveID()

	var entries []poller.Entry
	var r *poller.Runner
	r = poller.NewRunner(c, poller.Config{Interval: 20 * time.Millisecond, MaxAttempts: 50}, func(e poller.Entry) {
		entries = append(entries, e)
		if e.Kind != poller.EntryPlaceholder {
			return
		}
		// Play the worker: store the answer for the request being polled.
		rid := r.Machine().RequestID()
		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = repo.AppendMessage(ctx, domain.NewMessage{
				SessionID: sid, Role: domain.RoleAssistant, Content: "پاسخ کارگر", RequestID: rid,
			})
		}()
	})

	out, err := r.Ask(ctx, sid, "سوال پیچیده")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if out.State != poller.Completed || out.Answer.Content != "پاسخ کارگر" {
		t.Errorf("Expected worker answer, got %+v", out)
	}
	if out.Answer.ID == "" || out.Answer.RequestID != out.RequestID {
		t.Errorf("Expected answer correlated to %s, got %+v", out.RequestID, out.Answer)
	}

	kinds := []poller.EntryKind{poller.EntryQuestion, poller.EntryPlaceholder, poller.EntryAnswer}
	if len(entries) != len(kinds) {
		t.Fatalf("Expected %d entries, got %d", len(kinds), len(entries))
	}
	for i, k := range kinds {
		if entries[i].Kind != k {
			t.Errorf("Entry %d: expected kind %d, got %d", i, k, entries[i].Kind)
		}
	}
}
