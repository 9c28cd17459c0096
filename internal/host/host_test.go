package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/lan-quiz/internal/hub"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

// fakeSession accepts everyone as "stu-"+nickname and counts answers.
type fakeSession struct {
	mu        sync.Mutex
	joins     []string
	answers   []types.Answer
	snapCalls atomic.Int32
	panicJoin bool
}

func (s *fakeSession) OnJoin(_ context.Context, nickname string) types.JoinAck {
	if s.panicJoin {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, nickname)
	return types.JoinAck{Accepted: true, StudentID: "stu-" + nickname, DisplayName: nickname}
}

func (s *fakeSession) OnAnswer(_ context.Context, a types.Answer) types.AnswerAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, a)
	return types.AnswerAck{Accepted: true}
}

func (s *fakeSession) Snapshot(context.Context) (types.Snapshot, bool) {
	s.snapCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, _ := types.NewSnapshot(map[string]any{
		"participants": append([]string{}, s.joins...),
		"answers":      len(s.answers),
	})
	return snap, true
}

func (s *fakeSession) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joins)
}

func startHost(t *testing.T, session Session) *Host {
	t.Helper()
	h := New(Config{
		SessionID:     "S1",
		ModuleID:      "M1",
		ListenAddr:    "127.0.0.1:0",
		DiscoveryAddr: "127.0.0.1:0",
		Logger:        zaptest.NewLogger(t),
	}, session)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

type rawClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, h *Host) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawClient) send(t *testing.T, m types.ClientMessage) {
	t.Helper()
	line, err := types.EncodeClient(m)
	require.NoError(t, err)
	c.sendRaw(t, string(line))
}

func (c *rawClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// helper: receive one frame with a timeout so tests never hang
func (c *rawClient) recv(t *testing.T) types.ServerMessage {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err, "timed out waiting for frame")
	msg, err := types.DecodeServer(line)
	require.NoError(t, err)
	return msg
}

func (c *rawClient) recvNothing(t *testing.T, within time.Duration) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(within)))
	line, err := c.r.ReadBytes('\n')
	if err == nil {
		t.Fatalf("expected no frame within %v, got %s", within, line)
	}
}

func (c *rawClient) join(t *testing.T, nickname string) types.JoinAck {
	t.Helper()
	c.send(t, types.JoinRequest{SessionID: "S1", Nickname: nickname})
	ack, ok := c.recv(t).(types.JoinAck)
	require.True(t, ok, "first reply must be a JoinAck")
	require.True(t, ack.Accepted)
	_, ok = c.recv(t).(types.SnapshotMessage)
	require.True(t, ok, "join must be followed by a snapshot")
	return ack
}

func TestHost_JoinAccepted_FollowedBySnapshot(t *testing.T) {
	s := &fakeSession{}
	h := startHost(t, s)
	c := dial(t, h)

	c.send(t, types.JoinRequest{SessionID: "S1", Nickname: "Ana"})

	ack, ok := c.recv(t).(types.JoinAck)
	require.True(t, ok)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "stu-Ana", ack.StudentID)

	snap, ok := c.recv(t).(types.SnapshotMessage)
	require.True(t, ok, "very next frame after an accepted join must be a snapshot")
	assert.JSONEq(t, `{"participants":["Ana"],"answers":0}`, string(snap.Snapshot))
}

func TestHost_JoinWrongSession_NeverReachesCallback(t *testing.T) {
	s := &fakeSession{}
	h := startHost(t, s)
	c := dial(t, h)

	c.send(t, types.JoinRequest{SessionID: "WRONG", Nickname: "Ana"})

	ack, ok := c.recv(t).(types.JoinAck)
	require.True(t, ok)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "Invalid session", ack.Reason)
	assert.Equal(t, 0, s.joinCount())

	// The connection stays open.
	c.send(t, types.Ping{SessionID: "S1"})
	_, ok = c.recv(t).(types.SnapshotMessage)
	assert.True(t, ok)
}

func TestHost_AnswerWrongSession_IsRejected(t *testing.T) {
	s := &fakeSession{}
	h := startHost(t, s)
	c := dial(t, h)
	c.join(t, "Ana")

	c.send(t, types.Answer{SessionID: "WRONG", StudentID: "stu-Ana"})
	ack, ok := c.recv(t).(types.AnswerAck)
	require.True(t, ok)
	assert.False(t, ack.Accepted)
	assert.Equal(t, types.ReasonInvalidSession, ack.Reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.answers)
}

func TestHost_AcceptedAnswer_RebroadcastsToEveryone(t *testing.T) {
	s := &fakeSession{}
	h := startHost(t, s)

	a := dial(t, h)
	a.join(t, "Ana")
	b := dial(t, h)
	b.join(t, "Ben")

	roster, ok := a.recv(t).(types.SnapshotMessage)
	require.True(t, ok, "Ana sees Ben join")
	assert.JSONEq(t, `{"participants":["Ana","Ben"],"answers":0}`, string(roster.Snapshot))

	a.send(t, types.Answer{SessionID: "S1", StudentID: "stu-Ana", Payload: []byte(`{"choice":1}`)})

	ack, ok := a.recv(t).(types.AnswerAck)
	require.True(t, ok)
	assert.True(t, ack.Accepted)

	for _, c := range []*rawClient{a, b} {
		snap, ok := c.recv(t).(types.SnapshotMessage)
		require.True(t, ok)
		assert.JSONEq(t, `{"participants":["Ana","Ben"],"answers":1}`, string(snap.Snapshot))
	}
}

func TestHost_AnswerWithoutStudentID_UsesJoinedIdentity(t *testing.T) {
	s := &fakeSession{}
	h := startHost(t, s)
	c := dial(t, h)
	c.join(t, "Ana")

	c.send(t, types.Answer{SessionID: "S1", Payload: []byte(`"B"`)})
	_, ok := c.recv(t).(types.AnswerAck)
	require.True(t, ok)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.answers, 1)
	assert.Equal(t, "stu-Ana", s.answers[0].StudentID)
	assert.JSONEq(t, `"B"`, string(s.answers[0].Payload))
}

func TestHost_MalformedFramesAreSkipped(t *testing.T) {
	h := startHost(t, &fakeSession{})
	c := dial(t, h)

	c.sendRaw(t, "garbage")
	c.sendRaw(t, `{"type":"Teleport"}`)
	c.sendRaw(t, `{"type":"JoinRequest","sessionId":42}`)
	c.sendRaw(t, "")
	c.send(t, types.Ping{})

	_, ok := c.recv(t).(types.SnapshotMessage)
	assert.True(t, ok)
}

func TestHost_NoSnapshot_JoinGetsOnlyAck(t *testing.T) {
	h := startHost(t, SessionFuncs{
		Join: func(_ context.Context, nickname string) types.JoinAck {
			return types.JoinAck{Accepted: true, StudentID: "stu-" + nickname, DisplayName: nickname}
		},
	})
	c := dial(t, h)

	c.send(t, types.JoinRequest{SessionID: "S1", Nickname: "Ana"})
	ack, ok := c.recv(t).(types.JoinAck)
	require.True(t, ok)
	assert.True(t, ack.Accepted)

	c.send(t, types.Ping{SessionID: "S1"})
	c.recvNothing(t, 150*time.Millisecond)
}

func TestHost_OversizedFrameIsSkipped(t *testing.T) {
	h := startHost(t, &fakeSession{})
	c := dial(t, h)

	c.sendRaw(t, strings.Repeat("x", hub.DefaultMaxLine+10))
	c.send(t, types.Ping{SessionID: "S1"})

	_, ok := c.recv(t).(types.SnapshotMessage)
	assert.True(t, ok, "connection survives an oversized frame")
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHost_Broadcast_EveryJoinedConnectionGetsExactlyOneSnapshot(t *testing.T) {
	h := startHost(t, &fakeSession{})

	var clients []*rawClient
	for _, name := range []string{"Ana", "Ben", "Cai"} {
		c := dial(t, h)
		c.join(t, name)
		for _, earlier := range clients {
			_, ok := earlier.recv(t).(types.SnapshotMessage)
			require.True(t, ok, "earlier participants see the roster change")
		}
		clients = append(clients, c)
	}
	lurker := dial(t, h)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 4 }, 2*time.Second, 10*time.Millisecond)

	h.Broadcast(types.Snapshot(`{"round":2}`))

	for _, c := range clients {
		snap, ok := c.recv(t).(types.SnapshotMessage)
		require.True(t, ok)
		assert.JSONEq(t, `{"round":2}`, string(snap.Snapshot))
		c.recvNothing(t, 100*time.Millisecond)
	}
	lurker.recvNothing(t, 100*time.Millisecond)
}

func TestHost_JoinDuringBroadcasts_AckAlwaysPrecedesSnapshot(t *testing.T) {
	h := startHost(t, &fakeSession{})

	// Ana answers nonstop so broadcasts are in flight while the others join.
	ana := dial(t, h)
	ana.join(t, "Ana")
	require.NoError(t, ana.conn.SetReadDeadline(time.Time{}))
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			line, _ := types.EncodeClient(types.Answer{SessionID: "S1", Payload: []byte(`1`)})
			if _, err := ana.conn.Write(append(line, '\n')); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		// Keep Ana's socket drained so the host never drops her as slow.
		_, _ = io.Copy(io.Discard, ana.conn)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 30; i++ {
		c := dial(t, h)
		c.send(t, types.JoinRequest{SessionID: "S1", Nickname: fmt.Sprintf("p%d", i)})
		ack, ok := c.recv(t).(types.JoinAck)
		require.True(t, ok, "join %d: first frame must be the JoinAck", i)
		require.True(t, ack.Accepted)
		_, ok = c.recv(t).(types.SnapshotMessage)
		require.True(t, ok, "join %d: second frame must be a Snapshot", i)
	}
}

func TestHost_NotifyJoin_PushesFreshSnapshot(t *testing.T) {
	s := &fakeSession{}
	h := startHost(t, s)
	a := dial(t, h)
	a.join(t, "Ana")

	h.NotifyJoin(types.Participant{StudentID: "stu-Ana", DisplayName: "Ana"})

	snap, ok := a.recv(t).(types.SnapshotMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"participants":["Ana"],"answers":0}`, string(snap.Snapshot))
}

func TestHost_DisconnectRemovesConnection(t *testing.T) {
	h := startHost(t, &fakeSession{})
	c := dial(t, h)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHost_CallbackPanic_KeepsConnection(t *testing.T) {
	h := startHost(t, &fakeSession{panicJoin: true})
	c := dial(t, h)

	c.send(t, types.JoinRequest{SessionID: "S1", Nickname: "Ana"})
	c.send(t, types.Ping{})

	_, ok := c.recv(t).(types.SnapshotMessage)
	assert.True(t, ok)
}

func TestHost_StartIdempotent_StopClosesEverything(t *testing.T) {
	h := New(Config{
		SessionID:     "S1",
		ListenAddr:    "127.0.0.1:0",
		DiscoveryAddr: "127.0.0.1:0",
		Logger:        zaptest.NewLogger(t),
	}, &fakeSession{})
	require.NoError(t, h.Start(context.Background()))
	addr := h.Addr().String()
	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, addr, h.Addr().String())

	c := dial(t, h)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadBytes('\n')
	assert.Error(t, err, "connection must be closed by Stop")

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed by Stop")
	assert.ErrorIs(t, h.Start(context.Background()), ErrStopped)
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestHost_StartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := New(Config{SessionID: "S1", ListenAddr: ln.Addr().String(), DiscoveryAddr: "127.0.0.1:0"}, &fakeSession{})
	assert.Error(t, h.Start(context.Background()))
}

func TestHost_ParticipantCountIsCached(t *testing.T) {
	s := &fakeSession{}
	h := New(Config{SessionID: "S1", CountCacheTTL: time.Hour}, s)

	s.joins = []string{"Ana", "Ben"}
	assert.Equal(t, 2, h.participantCount(context.Background()))
	s.joins = append(s.joins, "Cy")
	assert.Equal(t, 2, h.participantCount(context.Background()))
	assert.Equal(t, int32(1), s.snapCalls.Load())

	uncached := New(Config{SessionID: "S1", CountCacheTTL: -1}, s)
	assert.Equal(t, 3, uncached.participantCount(context.Background()))
}

func TestAdvertiseHost(t *testing.T) {
	assert.Equal(t, "192.168.1.9", advertiseHost("192.168.1.9", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	assert.Equal(t, "127.0.0.1", advertiseHost("", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	assert.NotEmpty(t, advertiseHost("", &net.TCPAddr{IP: net.IPv4zero}))
}

func TestHost_Discovery_AnswersValidProbes(t *testing.T) {
	s := &fakeSession{joins: []string{"Ana", "Ben"}}
	h := startHost(t, s)

	udp, err := net.DialUDP("udp", nil, h.DiscoveryAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer udp.Close()

	probe, err := types.EncodeDiscoveryRequest(types.DiscoveryRequest{RequestID: "r1"})
	require.NoError(t, err)
	_, err = udp.Write(probe)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := udp.Read(buf)
	require.NoError(t, err)

	msg, err := types.DecodeServer(buf[:n])
	require.NoError(t, err)
	ann, ok := msg.(types.Announcement)
	require.True(t, ok)
	assert.Equal(t, "S1", ann.SessionID)
	assert.Equal(t, "M1", ann.ModuleID)
	assert.Equal(t, "127.0.0.1", ann.Host)
	assert.Equal(t, h.Addr().(*net.TCPAddr).Port, ann.Port)
	assert.Equal(t, 2, ann.ParticipantCount)
}

func TestHost_Discovery_IgnoresMalformedProbes(t *testing.T) {
	h := startHost(t, &fakeSession{})

	udp, err := net.DialUDP("udp", nil, h.DiscoveryAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer udp.Close()

	for _, p := range []string{`{"requestId":""}`, `not json`, `{}`} {
		_, err = udp.Write([]byte(p))
		require.NoError(t, err)
	}

	buf := make([]byte, 1024)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = udp.Read(buf)
	assert.Error(t, err, "malformed probes must not be answered")
}
