package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStores builds one of each driver so every test runs against both.
func openTestStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestGetAbsentReturnsNil(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			data, err := s.GetAttr(context.Background(), "a1", "trusts", "missing")
			require.NoError(t, err)
			assert.Nil(t, data)
		})
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := map[string]any{
				"peerid":  "peer-1",
				"baseuri": "http://peer.example.com/p1",
				"count":   float64(3),
				"nested":  map[string]any{"granularity": "high"},
			}
			require.NoError(t, s.SetAttr(ctx, "a1", "trusts", "peer-1", in))

			out, err := s.GetAttr(ctx, "a1", "trusts", "peer-1")
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestSetReplacesWholeValue(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SetAttr(ctx, "a1", "b", "n", map[string]any{"x": "1", "y": "2"}))
			require.NoError(t, s.SetAttr(ctx, "a1", "b", "n", map[string]any{"x": "9"}))

			out, err := s.GetAttr(ctx, "a1", "b", "n")
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"x": "9"}, out)
		})
	}
}

func TestDeleteAttr(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SetAttr(ctx, "a1", "b", "n", map[string]any{"x": "1"}))
			require.NoError(t, s.DeleteAttr(ctx, "a1", "b", "n"))

			out, err := s.GetAttr(ctx, "a1", "b", "n")
			require.NoError(t, err)
			assert.Nil(t, out)

			// Deleting again is a no-op.
			require.NoError(t, s.DeleteAttr(ctx, "a1", "b", "n"))
		})
	}
}

func TestListBucket(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SetAttr(ctx, "a1", "subscription_diffs", "p:s:00000000000000000001", map[string]any{"sequence": float64(1)}))
			require.NoError(t, s.SetAttr(ctx, "a1", "subscription_diffs", "p:s:00000000000000000002", map[string]any{"sequence": float64(2)}))
			require.NoError(t, s.SetAttr(ctx, "a1", "other", "x", map[string]any{}))

			attrs, err := s.ListBucket(ctx, "a1", "subscription_diffs")
			require.NoError(t, err)
			require.Len(t, attrs, 2)
			assert.Contains(t, attrs, "p:s:00000000000000000001")
			assert.Contains(t, attrs, "p:s:00000000000000000002")
			assert.Equal(t, float64(1), attrs["p:s:00000000000000000001"].Data["sequence"])
			assert.False(t, attrs["p:s:00000000000000000001"].Timestamp.IsZero())

			empty, err := s.ListBucket(ctx, "a1", "unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestDeleteBucket(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SetAttr(ctx, "a1", "b", "n1", map[string]any{}))
			require.NoError(t, s.SetAttr(ctx, "a1", "b", "n2", map[string]any{}))
			require.NoError(t, s.SetAttr(ctx, "a1", "keep", "n", map[string]any{}))

			require.NoError(t, s.DeleteBucket(ctx, "a1", "b"))

			gone, err := s.ListBucket(ctx, "a1", "b")
			require.NoError(t, err)
			assert.Empty(t, gone)

			kept, err := s.ListBucket(ctx, "a1", "keep")
			require.NoError(t, err)
			assert.Len(t, kept, 1)
		})
	}
}

func TestDeleteActorRemovesAllBuckets(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SetAttr(ctx, "a1", "trusts", "p", map[string]any{}))
			require.NoError(t, s.SetAttr(ctx, "a1", "subscriptions", "p:s", map[string]any{}))
			require.NoError(t, s.SetAttr(ctx, "a2", "trusts", "p", map[string]any{}))

			require.NoError(t, s.DeleteActor(ctx, "a1"))

			for _, bucket := range []string{"trusts", "subscriptions"} {
				attrs, err := s.ListBucket(ctx, "a1", bucket)
				require.NoError(t, err)
				assert.Empty(t, attrs)
			}

			other, err := s.ListBucket(ctx, "a2", "trusts")
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}

func TestActorsAreIsolated(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SetAttr(ctx, "a1", "b", "n", map[string]any{"owner": "a1"}))
			require.NoError(t, s.SetAttr(ctx, "a2", "b", "n", map[string]any{"owner": "a2"}))

			d1, err := s.GetAttr(ctx, "a1", "b", "n")
			require.NoError(t, err)
			d2, err := s.GetAttr(ctx, "a2", "b", "n")
			require.NoError(t, err)
			assert.Equal(t, "a1", d1["owner"])
			assert.Equal(t, "a2", d2["owner"])
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	in := map[string]any{"k": "v"}
	require.NoError(t, s.SetAttr(ctx, "a1", "b", "n", in))
	in["k"] = "mutated-after-set"

	out, err := s.GetAttr(ctx, "a1", "b", "n")
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])

	out["k"] = "mutated-after-get"
	again, err := s.GetAttr(ctx, "a1", "b", "n")
	require.NoError(t, err)
	assert.Equal(t, "v", again["k"])
}

func TestOpenFactory(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)
	s.Close()

	s, err = Open("sqlite", filepath.Join(t.TempDir(), "f.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, s)
	s.Close()

	_, err = Open("bogus", "")
	require.Error(t, err)
}

func TestClosedMemoryStoreErrors(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	_, err := s.GetAttr(context.Background(), "a", "b", "n")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.SetAttr(context.Background(), "a", "b", "n", nil), ErrClosed)
}
