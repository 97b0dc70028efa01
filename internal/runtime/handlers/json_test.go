package handlers

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/drblury/duplexflow/internal/runtime"
	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
)

type greeting struct {
	Name string `json:"name"`
}

type reply struct {
	Text string `json:"text"`
}

type session struct{ user string }

func TestBuildJSONCallDecodesBody(t *testing.T) {
	handler, err := BuildJSONCall(func(ctx context.Context, req *runtime.Request[*session], body *greeting) (reply, error) {
		if ctx == nil {
			t.Fatalf("context should not be nil")
		}
		return reply{Text: "hello " + body.Name + " from " + req.State.user}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	ch := runtime.NewChannel[*session]()
	ch.HandleCall("greet", handler)
	body, err := runtime.Process(ch, &session{user: "server"}).Send(context.Background(), "greet", greeting{Name: "ada"})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if string(body) != `{"text":"hello ada from server"}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestBuildJSONCallAbsentBodyIsZero(t *testing.T) {
	var seen *greeting
	handler, err := BuildJSONCall(func(_ context.Context, _ *runtime.Request[*session], body *greeting) (any, error) {
		seen = body
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := handler(context.Background(), &runtime.Request[*session]{Path: "greet"}); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if seen == nil || seen.Name != "" {
		t.Fatalf("expected a fresh zero body, got %+v", seen)
	}
}

func TestBuildJSONCallValueBody(t *testing.T) {
	handler, err := BuildJSONCall(func(_ context.Context, _ *runtime.Request[*session], body []int) (int, error) {
		sum := 0
		for _, n := range body {
			sum += n
		}
		return sum, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := handler(context.Background(), &runtime.Request[*session]{Body: []byte(`[1,2,3]`)})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if got != 6 {
		t.Fatalf("expected 6, got %v", got)
	}
}

func TestBuildJSONCallRejectsBadBody(t *testing.T) {
	handler, err := BuildJSONCall(func(context.Context, *runtime.Request[*session], *greeting) (any, error) {
		t.Fatalf("handler must not run")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = handler(context.Background(), &runtime.Request[*session]{Path: "greet", Body: []byte(`"nope"`)})
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestBuildJSONRequiresHandler(t *testing.T) {
	if _, err := BuildJSONCall[*session, any, any](nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
	if _, err := BuildJSONStream[*session, any, any](nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
}

func TestBuildJSONStream(t *testing.T) {
	handler, err := BuildJSONStream(func(_ context.Context, _ *runtime.Request[*session], limit int) iter.Seq2[reply, error] {
		return func(yield func(reply, error) bool) {
			for i := 0; i < limit; i++ {
				if !yield(reply{Text: string(rune('a' + i))}, nil) {
					return
				}
			}
			yield(reply{}, errors.New("exhausted"))
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch := runtime.NewChannel[*session]()
	ch.HandleStream("letters", handler)
	sender := runtime.Process(ch, &session{})

	var got []string
	var streamErr error
	for body, err := range sender.Values("letters", 2).All(context.Background()) {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, string(body))
	}
	if len(got) != 2 || got[0] != `{"text":"a"}` || got[1] != `{"text":"b"}` {
		t.Fatalf("unexpected values %v", got)
	}
	if streamErr == nil || streamErr.Error() != "exhausted" {
		t.Fatalf("expected exhausted error, got %v", streamErr)
	}
}

func TestBuildJSONStreamBadBody(t *testing.T) {
	handler, err := BuildJSONStream(func(context.Context, *runtime.Request[*session], int) iter.Seq2[int, error] {
		t.Fatalf("handler must not run")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var errs int
	for _, err := range handler(context.Background(), &runtime.Request[*session]{Body: []byte(`"x"`)}) {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Fatalf("expected one decode error, got %d", errs)
	}
}
