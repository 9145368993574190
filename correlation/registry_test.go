package correlation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"mq-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDelivers(t *testing.T) {
	r := NewRegistry()
	done, err := r.Register("a")
	require.NoError(t, err)

	ok := r.Resolve("a", *message.Success("a", []byte(`1`)))
	require.True(t, ok)

	env := <-done
	assert.Equal(t, "1", string(env.Data))
	assert.Equal(t, 0, r.Len())
}

func TestResolveTwiceIsNoop(t *testing.T) {
	r := NewRegistry()
	done, err := r.Register("a")
	require.NoError(t, err)

	assert.True(t, r.Resolve("a", *message.Success("a", []byte(`"first"`))))
	assert.False(t, r.Resolve("a", *message.Success("a", []byte(`"second"`))))

	env := <-done
	assert.Equal(t, `"first"`, string(env.Data))
	select {
	case extra := <-done:
		t.Fatalf("unexpected second delivery: %+v", extra)
	default:
	}
}

func TestResolveAfterEvictIsNoop(t *testing.T) {
	r := NewRegistry()
	done, err := r.Register("a")
	require.NoError(t, err)

	assert.True(t, r.Evict("a"))
	assert.False(t, r.Resolve("a", *message.Success("a", nil)))
	assert.False(t, r.Evict("a"))
	assert.False(t, r.Pending("a"))

	select {
	case env := <-done:
		t.Fatalf("evicted call received %+v", env)
	default:
	}
}

func TestResolveUnknown(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Resolve("never-issued", *message.Failure("never-issued", "x")))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("a")
	require.NoError(t, err)
	_, err = r.Register("a")
	assert.Error(t, err)
}

func TestAge(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, err := r.Register("a")
	require.NoError(t, err)
	now = now.Add(3 * time.Second)

	age, ok := r.Age("a")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, age)

	_, ok = r.Age("b")
	assert.False(t, ok)
}

func TestConcurrentResolveAndEvict(t *testing.T) {
	r := NewRegistry()
	const n = 200

	channels := make([]<-chan message.Envelope, n)
	for i := 0; i < n; i++ {
		done, err := r.Register(fmt.Sprint(i))
		require.NoError(t, err)
		channels[i] = done
	}

	// Race a resolver and an evicter on every id; exactly one must win.
	var wg sync.WaitGroup
	resolved := make([]bool, n)
	evicted := make([]bool, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			resolved[i] = r.Resolve(fmt.Sprint(i), *message.Success(fmt.Sprint(i), nil))
		}()
		go func() {
			defer wg.Done()
			evicted[i] = r.Evict(fmt.Sprint(i))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NotEqual(t, resolved[i], evicted[i], "id %d", i)
		if resolved[i] {
			env := <-channels[i]
			assert.Equal(t, fmt.Sprint(i), env.CorrelationID)
		}
	}
	assert.Equal(t, 0, r.Len())
}
