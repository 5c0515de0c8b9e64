package vcs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// mockBackend is a minimal Backend for registry tests
type mockBackend struct {
	name Type
	root string
}

func (m *mockBackend) Name() Type                                      { return m.name }
func (m *mockBackend) Version() (string, error)                        { return "mock version 1.0.0", nil }
func (m *mockBackend) Root() string                                    { return m.root }
func (m *mockBackend) MetaDir() string                                 { return m.root + "/.mock" }
func (m *mockBackend) StageAll(ctx context.Context) error              { return nil }
func (m *mockBackend) Push(ctx context.Context, p ProgressFunc) error  { return nil }
func (m *mockBackend) Fetch(ctx context.Context, p ProgressFunc) error { return nil }
func (m *mockBackend) Commit(ctx context.Context, msg string) (string, bool, error) {
	return "abc123", true, nil
}
func (m *mockBackend) MergeOrRebase(ctx context.Context) (MergeOutcome, error) {
	return MergeOutcome{}, nil
}
func (m *mockBackend) CurrentRevision(ctx context.Context) (string, error)     { return "abc123", nil }
func (m *mockBackend) Log(ctx context.Context, limit int) ([]ChangeSet, error) { return nil, nil }
func (m *mockBackend) HasLocalChanges(ctx context.Context) (bool, error)       { return false, nil }
func (m *mockBackend) HasRemoteChanges(ctx context.Context) (bool, error)      { return false, nil }
func (m *mockBackend) Status(ctx context.Context) ([]FileStatus, error)        { return nil, nil }

func newMockBackend(opts Options) (Backend, error) {
	return &mockBackend{name: opts.Type, root: opts.Root}, nil
}

// testTypeCounter generates unique test type names
var testTypeCounter int64

func uniqueTestType(prefix string) Type {
	n := atomic.AddInt64(&testTypeCounter, 1)
	return Type(fmt.Sprintf("%s-%d", prefix, n))
}

func TestRegister(t *testing.T) {
	typeName := uniqueTestType("register-test")
	defer unregister(typeName)

	Register(typeName, newMockBackend, nil)

	if !IsRegistered(typeName) {
		t.Error("Expected type to be registered")
	}

	reg, ok := getRegistration(typeName)
	if !ok {
		t.Fatal("Expected to get constructor for registered type")
	}

	b, err := reg.ctor(Options{Root: "/test/repo", Type: typeName})
	if err != nil {
		t.Fatalf("Constructor failed: %v", err)
	}
	if b.Name() != typeName {
		t.Errorf("Expected backend name '%s', got '%s'", typeName, b.Name())
	}
}

func TestRegisterPanicsOnNil(t *testing.T) {
	typeName := uniqueTestType("nil-test")

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when registering nil constructor")
		}
	}()

	Register(typeName, nil, nil)
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	typeName := uniqueTestType("dup-test")
	defer unregister(typeName)

	Register(typeName, newMockBackend, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when registering duplicate type")
		}
	}()

	Register(typeName, newMockBackend, nil)
}

func TestRegisteredTypesSorted(t *testing.T) {
	a := Type("zz-sorted-a")
	b := Type("zz-sorted-b")
	defer unregister(a)
	defer unregister(b)

	Register(b, newMockBackend, nil)
	Register(a, newMockBackend, nil)

	types := RegisteredTypes()
	ia, ib := -1, -1
	for i, typ := range types {
		switch typ {
		case a:
			ia = i
		case b:
			ib = i
		}
	}
	if ia < 0 || ib < 0 || ia > ib {
		t.Errorf("Expected %s before %s in %v", a, b, types)
	}
}

func TestCloneUnsupported(t *testing.T) {
	typeName := uniqueTestType("noclone")
	defer unregister(typeName)
	Register(typeName, newMockBackend, nil)

	_, err := Clone(context.Background(), typeName, "ssh://example/repo", t.TempDir(), Options{})
	if err == nil {
		t.Fatal("Expected error for backend without clone support")
	}
}

// TestConcurrentRegistration verifies thread-safety of registration
func TestConcurrentRegistration(t *testing.T) {
	var wg sync.WaitGroup
	types := make([]Type, 10)
	for i := range types {
		types[i] = uniqueTestType("concurrent")
	}

	for _, typ := range types {
		wg.Add(1)
		go func(typ Type) {
			defer wg.Done()
			Register(typ, newMockBackend, nil)
			_ = IsRegistered(typ)
			_ = RegisteredTypes()
		}(typ)
	}
	wg.Wait()

	for _, typ := range types {
		if !IsRegistered(typ) {
			t.Errorf("Expected %s to be registered", typ)
		}
		unregister(typ)
	}
}
