package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crowdease/internal/engine"
	"crowdease/internal/model"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	got      []Envelope
	failWith map[string]error
}

func (f *fakeSubmitter) Submit(_ context.Context, sub model.Submission, ch model.Channel) (model.CrowdReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWith[sub.StoreID]; err != nil {
		return model.CrowdReport{}, err
	}
	f.got = append(f.got, Envelope{Submission: sub, Channel: ch})
	return model.CrowdReport{ID: "r", StoreID: sub.StoreID}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan Envelope, 1)
	env := Envelope{Submission: model.Submission{StoreID: "S"}}
	if !SendNonBlocking(context.Background(), out, env, nil) {
		t.Fatalf("first send should succeed")
	}
	if SendNonBlocking(context.Background(), out, env, nil) {
		t.Fatalf("second send should be dropped")
	}
}

func TestDispatchSubmitsUntilClosed(t *testing.T) {
	s := &fakeSubmitter{}
	in := make(chan Envelope, 3)
	for _, id := range []string{"a", "b", "c"} {
		in <- Envelope{Submission: model.Submission{StoreID: id}, Channel: model.Channel{Name: "kafka", Trusted: true}}
	}
	close(in)
	done := make(chan struct{})
	go func() {
		Dispatch(context.Background(), in, s, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch did not return after close")
	}
	if s.count() != 3 {
		t.Fatalf("expected 3 submissions, got %d", s.count())
	}
	if s.got[0].Channel.Name != "kafka" {
		t.Fatalf("channel not preserved: %+v", s.got[0].Channel)
	}
}

func TestImportFileCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.csv")
	data := "timestamp,storeId,level,lat,lng,clientId\n" +
		"2024-01-17T14:00:00Z,S,busy,51.05,3.72,c1\n" +
		"\n" +
		"2024-01-17T14:10:00Z,bad,busy,51.05,3.72,c2\n" +
		"2024-01-17T14:20:00Z,dup,busy,51.05,3.72,c3\n" +
		"2024-01-17T14:30:00Z,T,quiet,51.05,3.72,c4\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := &fakeSubmitter{failWith: map[string]error{
		"bad": &model.ValidationError{Category: model.CategoryInvalidCrowdLevel, Field: "level"},
		"dup": engine.ErrDuplicate,
	}}
	stats, err := ImportFile(context.Background(), path, NewParser(), s, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.Lines != 6 || stats.Accepted != 2 || stats.Rejected != 1 || stats.Skipped != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for _, env := range s.got {
		if env.Channel.Name != "import" || !env.Channel.Trusted {
			t.Fatalf("unexpected channel %+v", env.Channel)
		}
	}
}

func TestImportFileStopsOnStorageFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.txt")
	data := "store=S level=busy lat=51 lng=3\nstore=T level=busy lat=51 lng=3\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	down := model.Unavailable("append report", errors.New("disk full"))
	s := &fakeSubmitter{failWith: map[string]error{"S": down}}
	stats, err := ImportFile(context.Background(), path, NewParser(), s, nil)
	if !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if stats.Accepted != 0 || s.count() != 0 {
		t.Fatalf("nothing should be accepted, got %+v", stats)
	}
}
