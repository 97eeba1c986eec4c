package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "users/u/projects/p")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "users/u/projects/p", []byte(`{"a":1}`)))
	body, err := s.Get(ctx, "users/u/projects/p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(body))

	require.NoError(t, s.Delete(ctx, "users/u/projects/p"))
	_, err = s.Get(ctx, "users/u/projects/p")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateCreatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// nil current on a missing doc, returning a body creates it.
	_, err := s.Update(ctx, "doc", func(current []byte) ([]byte, error) {
		assert.Nil(t, current)
		return []byte(`{"n":1}`), nil
	})
	require.NoError(t, err)

	// returning nil deletes.
	_, err = s.Update(ctx, "doc", func(current []byte) ([]byte, error) {
		assert.JSONEq(t, `{"n":1}`, string(current))
		return nil, nil
	})
	require.NoError(t, err)
	_, err = s.Get(ctx, "doc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdatePropagatesError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "doc", []byte(`{}`)))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "doc", func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	body, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(body), "failed update leaves the doc untouched")
}

func TestMemoryStore_ReturnedBytesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "doc", []byte(`{"x":1}`)))

	body, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	body[0] = '!'

	again, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(again))
}

func TestMemoryStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "counter", []byte("0")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "counter", func(current []byte) ([]byte, error) {
				n := 0
				for _, c := range current {
					n = n*10 + int(c-'0')
				}
				return []byte(itoa(n + 1)), nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	body, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "20", string(body), "updates are atomic")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
