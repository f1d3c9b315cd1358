package mediator

import "testing"

func TestWithAsyncErrorHandler(t *testing.T) {
	opts := dispatchDefaults()
	called := false
	WithAsyncErrorHandler(func(kind ErrorKind, cause error) { called = true })(&opts)
	if opts.onError == nil {
		t.Fatal("WithAsyncErrorHandler should set onError")
	}
	opts.onError(ErrInternalServer, nil)
	if !called {
		t.Error("onError should invoke the registered handler")
	}
}

func TestDispatchDefaults(t *testing.T) {
	opts := dispatchDefaults()
	if opts.onError != nil {
		t.Error("default onError should be nil")
	}
}

func TestWithParentThread(t *testing.T) {
	opts := replyDefaults()
	WithParentThread("parent-123")(&opts)
	if opts.parentThreadID != "parent-123" {
		t.Errorf("parentThreadID = %q, want %q", opts.parentThreadID, "parent-123")
	}
}

func TestReplyDefaults(t *testing.T) {
	opts := replyDefaults()
	if opts.parentThreadID != "" {
		t.Error("default parentThreadID should be empty")
	}
}
