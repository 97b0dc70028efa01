package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/sourcecontextpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/duplexflow/internal/runtime"
	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
)

func TestBuildProtoCallRoundTrip(t *testing.T) {
	handler, err := BuildProtoCall(&structpb.Struct{}, func(_ context.Context, _ *runtime.Request[*session], body *structpb.Struct) (*wrapperspb.StringValue, error) {
		return wrapperspb.String("hello " + body.GetFields()["name"].GetStringValue()), nil
	})
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	ch := runtime.NewChannel[*session]()
	ch.HandleCall("greet", handler)
	body, err := runtime.Process(ch, &session{}).Send(context.Background(), "greet", map[string]string{"name": "ada"})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if string(body) != `"hello ada"` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestBuildProtoCallNilPrototypeIsInstantiated(t *testing.T) {
	var prototype *structpb.Struct
	handler, err := BuildProtoCall(prototype, func(_ context.Context, _ *runtime.Request[*session], body *structpb.Struct) (*structpb.Struct, error) {
		if body == nil {
			t.Fatalf("expected a body instance")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := handler(context.Background(), &runtime.Request[*session]{})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if raw, ok := got.(json.RawMessage); !ok || raw != nil {
		t.Fatalf("expected no body for a nil response, got %s", raw)
	}
}

func TestBuildProtoCallValidatesOutgoing(t *testing.T) {
	handler, err := BuildProtoCall(&structpb.Struct{}, func(context.Context, *runtime.Request[*session], *structpb.Struct) (*wrapperspb.StringValue, error) {
		return wrapperspb.String(""), nil
	}, WithValidator(func(msg proto.Message) error {
		if msg.(*wrapperspb.StringValue).GetValue() == "" {
			return errors.New("empty greeting")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := handler(context.Background(), &runtime.Request[*session]{}); err == nil || err.Error() != "empty greeting" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildProtoCallUnknownFields(t *testing.T) {
	build := func(opts ...ProtoOption) runtime.CallHandler[*session] {
		handler, err := BuildProtoCall(&sourcecontextpb.SourceContext{}, func(_ context.Context, _ *runtime.Request[*session], body *sourcecontextpb.SourceContext) (*sourcecontextpb.SourceContext, error) {
			return body, nil
		}, opts...)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return handler
	}
	req := &runtime.Request[*session]{Body: []byte(`{"fileName":"a.proto","extra":true}`)}

	if _, err := build()(context.Background(), req); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}

	got, err := build(WithDiscardUnknown())(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	require.JSONEq(t, `{"fileName":"a.proto"}`, string(got.(json.RawMessage)))

	got, err = build(WithEmitUnpopulated())(context.Background(), &runtime.Request[*session]{})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	require.JSONEq(t, `{"fileName":""}`, string(got.(json.RawMessage)))
}

func TestBuildProtoRequiresHandler(t *testing.T) {
	if _, err := BuildProtoCall[*session, *structpb.Struct, *structpb.Struct](&structpb.Struct{}, nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
	if _, err := BuildProtoStream[*session, *structpb.Struct, *structpb.Struct](&structpb.Struct{}, nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
}

func TestBuildProtoStream(t *testing.T) {
	handler, err := BuildProtoStream(&wrapperspb.Int32Value{}, func(_ context.Context, _ *runtime.Request[*session], body *wrapperspb.Int32Value) iter.Seq2[*wrapperspb.Int32Value, error] {
		return func(yield func(*wrapperspb.Int32Value, error) bool) {
			for i := int32(0); i < body.GetValue(); i++ {
				if !yield(wrapperspb.Int32(i), nil) {
					return
				}
			}
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch := runtime.NewChannel[*session]()
	ch.HandleStream("count", handler)
	var got []string
	for body, err := range runtime.Process(ch, &session{}).Values("count", 3).All(context.Background()) {
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		got = append(got, string(body))
	}
	if len(got) != 3 || got[0] != "0" || got[2] != "2" {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestEnsureProtoPrototype(t *testing.T) {
	existing := &structpb.Struct{}
	got, err := EnsureProtoPrototype(existing)
	if err != nil || got != existing {
		t.Fatalf("expected the candidate back, got %v %v", got, err)
	}

	var typedNil *structpb.Struct
	got, err = EnsureProtoPrototype(typedNil)
	if err != nil || got == nil {
		t.Fatalf("expected a fresh instance, got %v %v", got, err)
	}

	var untyped proto.Message
	if _, err := EnsureProtoPrototype(untyped); !errors.Is(err, errspkg.ErrBodyTypeRequired) {
		t.Fatalf("expected ErrBodyTypeRequired, got %v", err)
	}
}
