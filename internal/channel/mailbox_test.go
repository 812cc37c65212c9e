package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_DropsWhenFull(t *testing.T) {
	m := NewMailbox[int](2)

	assert.True(t, m.TrySend(1))
	assert.True(t, m.TrySend(2))
	assert.False(t, m.TrySend(3))

	stats := m.Stats()
	assert.Equal(t, MailboxStats{Capacity: 2, Length: 2, Sent: 2, Dropped: 1}, stats)

	assert.Equal(t, 1, <-m.Chan())
	assert.True(t, m.TrySend(4))
}

func TestMailbox_Close(t *testing.T) {
	m := NewMailbox[string](0)
	require.Equal(t, 1, m.Stats().Capacity)

	m.TrySend("a")
	m.Close()
	m.Close()
	assert.True(t, m.Closed())
	assert.False(t, m.TrySend("b"))

	var got []string
	for v := range m.Chan() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a"}, got)
}

func TestMailbox_ConcurrentSendAndClose(t *testing.T) {
	m := NewMailbox[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.TrySend(j)
			}
		}()
	}
	m.Close()
	wg.Wait()

	s := m.Stats()
	assert.LessOrEqual(t, s.Sent, int64(8))
}
