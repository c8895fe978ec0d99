// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lattice-im/devicesync/lib/testutil"
	"github.com/lattice-im/devicesync/pairing"
	"github.com/lattice-im/devicesync/transport"
)

// testOptions wires a session to one end of a pipe pair and keeps
// transfer pacing out of the test runtime.
func testOptions(peer transport.Peer) Options {
	return Options{
		NewPeer:   func() (transport.Peer, error) { return peer, nil },
		ChunkSize: 256,
		Pacing:    time.Microsecond,
	}
}

// testSnapshot builds a compressible snapshot of repeated records, so
// the transfer exercises the compression path end to end.
func testSnapshot(records int) []byte {
	var builder bytes.Buffer
	for index := 0; index < records; index++ {
		fmt.Fprintf(&builder, `{"id":%d,"room":"!abc:lattice.im","body":"message number %d"}`+"\n", index, index)
	}
	return builder.Bytes()
}

// pairUp runs the offer/answer/code exchange between two sessions
// over a pipe pair and leaves both connected.
func pairUp(t *testing.T, sender, receiver *Session) {
	t.Helper()
	ctx := context.Background()

	payloadText, err := sender.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	code, answerCompact, err := receiver.Accept(ctx, payloadText)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z2-9]{3}-[A-Z2-9]{3}$`).MatchString(code) {
		t.Fatalf("code %q has unexpected format", code)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- receiver.WaitForConnection(ctx) }()

	if err := sender.CompleteConnection(ctx, answerCompact, code); err != nil {
		t.Fatalf("CompleteConnection: %v", err)
	}
	if err := testutil.RequireReceive(t, waitErr, 5*time.Second, "WaitForConnection result"); err != nil {
		t.Fatalf("WaitForConnection: %v", err)
	}
}

func drainEvents(session *Session) []State {
	var states []State
	for {
		select {
		case event := <-session.Events():
			states = append(states, event.State)
		default:
			return states
		}
	}
}

func TestSession_EndToEnd(t *testing.T) {
	offererPeer, answererPeer := transport.NewPipePair()
	sender := New(testOptions(offererPeer))
	defer sender.Close()
	receiver := New(testOptions(answererPeer))
	defer receiver.Close()

	pairUp(t, sender, receiver)

	snapshot := testSnapshot(500)
	ctx := context.Background()

	type received struct {
		snapshot []byte
		stats    Stats
		err      error
	}
	receiveResult := make(chan received, 1)
	go func() {
		got, stats, err := receiver.Receive(ctx, nil)
		receiveResult <- received{got, stats, err}
	}()

	sendStats, err := sender.Send(ctx, snapshot, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	result := testutil.RequireReceive(t, receiveResult, 5*time.Second, "receive result")
	if result.err != nil {
		t.Fatalf("Receive: %v", result.err)
	}
	if !bytes.Equal(result.snapshot, snapshot) {
		t.Fatal("snapshot corrupted in transit")
	}

	// Repeated records compress well; the wire byte count must be
	// below the snapshot size and agree on both sides.
	if sendStats.Bytes >= len(snapshot) {
		t.Errorf("wire bytes = %d, want < %d (compression)", sendStats.Bytes, len(snapshot))
	}
	if result.stats.Bytes != sendStats.Bytes {
		t.Errorf("receiver bytes = %d, sender bytes = %d", result.stats.Bytes, sendStats.Bytes)
	}
	if result.stats.Chunks != sendStats.Chunks {
		t.Errorf("receiver chunks = %d, sender chunks = %d", result.stats.Chunks, sendStats.Chunks)
	}

	if sender.State() != StateComplete {
		t.Errorf("sender state = %s, want complete", sender.State())
	}
	if receiver.State() != StateComplete {
		t.Errorf("receiver state = %s, want complete", receiver.State())
	}

	wantSender := []State{StateOffering, StateConnecting, StateConnected, StateTransferring, StateComplete}
	if got := drainEvents(sender); !statesEqual(got, wantSender) {
		t.Errorf("sender events = %v, want %v", got, wantSender)
	}
	wantReceiver := []State{StateAnswering, StateConnecting, StateConnected, StateTransferring, StateComplete}
	if got := drainEvents(receiver); !statesEqual(got, wantReceiver) {
		t.Errorf("receiver events = %v, want %v", got, wantReceiver)
	}
}

func statesEqual(got, want []State) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range want {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}

// TestSession_WrongCodeRejected verifies a single-character
// difference in the confirmation code aborts the pairing before the
// remote description is applied.
func TestSession_WrongCodeRejected(t *testing.T) {
	offererPeer, answererPeer := transport.NewPipePair()
	sender := New(testOptions(offererPeer))
	defer sender.Close()
	receiver := New(testOptions(answererPeer))
	defer receiver.Close()

	ctx := context.Background()
	payloadText, err := sender.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	code, answerCompact, err := receiver.Accept(ctx, payloadText)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	wrongCode := flipFirstGlyph(code)
	err = sender.CompleteConnection(ctx, answerCompact, wrongCode)
	if !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("CompleteConnection error = %v, want ErrCodeMismatch", err)
	}
	var mismatch *CodeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error %v does not unwrap to CodeMismatchError", err)
	}

	if sender.State() != StateError {
		t.Errorf("sender state = %s, want error", sender.State())
	}
	// The answer was never applied, so the pipe pair never connects.
	select {
	case <-offererPeer.Connected():
		t.Error("peer connected despite rejected code")
	default:
	}
}

// flipFirstGlyph replaces the first code character with a different
// one from the same alphabet.
func flipFirstGlyph(code string) string {
	replacement := byte('A')
	if code[0] == 'A' {
		replacement = 'B'
	}
	return string(replacement) + code[1:]
}

// TestSession_VersionGate verifies a payload from a newer protocol
// fails before any key material is imported.
func TestSession_VersionGate(t *testing.T) {
	_, answererPeer := transport.NewPipePair()
	receiver := New(testOptions(answererPeer))
	defer receiver.Close()

	payload := map[string]any{
		"v": pairing.ProtocolVersion + 1,
		"o": "irrelevant",
		"k": strings.Repeat("A", 44),
		"f": "0000000000000000",
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	_, _, err = receiver.Accept(context.Background(), string(encoded))
	var mismatch *pairing.VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Accept error = %v, want VersionMismatchError", err)
	}
	if mismatch.Theirs != pairing.ProtocolVersion+1 {
		t.Errorf("mismatch.Theirs = %d", mismatch.Theirs)
	}
	if receiver.State() != StateError {
		t.Errorf("receiver state = %s, want error", receiver.State())
	}
}

// TestSession_CloseCancelsWait verifies Close releases a pending
// connection wait instead of leaving it blocked for the timeout.
func TestSession_CloseCancelsWait(t *testing.T) {
	offererPeer, answererPeer := transport.NewPipePair()
	sender := New(testOptions(offererPeer))
	defer sender.Close()
	receiver := New(testOptions(answererPeer))

	ctx := context.Background()
	payloadText, err := sender.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, _, err := receiver.Accept(ctx, payloadText); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// The sender never applies the answer, so this wait can only end
	// via Close.
	waitErr := make(chan error, 1)
	go func() { waitErr <- receiver.WaitForConnection(ctx) }()

	time.Sleep(10 * time.Millisecond)
	receiver.Close()

	if err := testutil.RequireReceive(t, waitErr, 5*time.Second, "WaitForConnection result"); err == nil {
		t.Fatal("WaitForConnection succeeded after Close")
	}
	if receiver.State() != StateClosed {
		t.Errorf("receiver state = %s, want closed", receiver.State())
	}
}

// gatedPeer holds description creation until released, opening the
// window where Close lands while the offer or answer is still being
// gathered.
type gatedPeer struct {
	transport.Peer
	entered chan struct{}
	release chan struct{}
	closed  atomic.Bool
}

func newGatedPeer(peer transport.Peer) *gatedPeer {
	return &gatedPeer{
		Peer:    peer,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gatedPeer) CreateOffer(ctx context.Context) (string, error) {
	close(p.entered)
	<-p.release
	return p.Peer.CreateOffer(ctx)
}

func (p *gatedPeer) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	close(p.entered)
	<-p.release
	return p.Peer.CreateAnswer(ctx, remoteOffer)
}

func (p *gatedPeer) Close() error {
	p.closed.Store(true)
	return p.Peer.Close()
}

// requireNothingRetained verifies a session that lost the race with
// Close holds no key, cipher, or peer.
func requireNothingRetained(t *testing.T, session *Session) {
	t.Helper()
	session.mu.Lock()
	key, cipher, peer := session.key, session.cipher, session.peer
	session.mu.Unlock()
	if key != nil {
		t.Error("closed session retained the session key")
	}
	if cipher != nil {
		t.Error("closed session retained the frame cipher")
	}
	if peer != nil {
		t.Error("closed session retained the transport peer")
	}
}

// TestSession_CloseDuringStart verifies a Close that lands while the
// offer is still being created aborts Start: the freshly generated
// key is zeroed and the transport peer closed instead of being handed
// to a session that is already gone.
func TestSession_CloseDuringStart(t *testing.T) {
	offererPeer, _ := transport.NewPipePair()
	peer := newGatedPeer(offererPeer)
	sender := New(testOptions(peer))

	startErr := make(chan error, 1)
	go func() {
		_, err := sender.Start(context.Background())
		startErr <- err
	}()

	testutil.RequireClosed(t, peer.entered, 5*time.Second, "offer creation entered")
	if err := sender.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(peer.release)

	err := testutil.RequireReceive(t, startErr, 5*time.Second, "Start result")
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Start error = %v, want net.ErrClosed", err)
	}
	requireNothingRetained(t, sender)
	if !peer.closed.Load() {
		t.Error("transport peer left open after Close during Start")
	}
	if sender.State() != StateClosed {
		t.Errorf("sender state = %s, want closed", sender.State())
	}
}

// TestSession_CloseDuringAccept is the receiving-side counterpart:
// Close while the answer is being created must release the imported
// key rather than store it on the closed session.
func TestSession_CloseDuringAccept(t *testing.T) {
	offererPeer, answererPeer := transport.NewPipePair()
	sender := New(testOptions(offererPeer))
	defer sender.Close()

	ctx := context.Background()
	payloadText, err := sender.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	peer := newGatedPeer(answererPeer)
	receiver := New(testOptions(peer))

	acceptErr := make(chan error, 1)
	go func() {
		_, _, err := receiver.Accept(ctx, payloadText)
		acceptErr <- err
	}()

	testutil.RequireClosed(t, peer.entered, 5*time.Second, "answer creation entered")
	if err := receiver.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(peer.release)

	err = testutil.RequireReceive(t, acceptErr, 5*time.Second, "Accept result")
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Accept error = %v, want net.ErrClosed", err)
	}
	requireNothingRetained(t, receiver)
	if !peer.closed.Load() {
		t.Error("transport peer left open after Close during Accept")
	}
}

// TestSession_TwoSessionsCoexist runs two full transfers through
// independent session pairs at the same time.
func TestSession_TwoSessionsCoexist(t *testing.T) {
	type pairResult struct {
		index int
		err   error
	}
	results := make(chan pairResult, 2)

	for index := 0; index < 2; index++ {
		go func(index int) {
			results <- pairResult{index, runPair(t, testSnapshot(100*(index+1)))}
		}(index)
	}
	for range 2 {
		result := testutil.RequireReceive(t, results, 5*time.Second, "pair result")
		if result.err != nil {
			t.Errorf("pair %d: %v", result.index, result.err)
		}
	}
}

func runPair(t *testing.T, snapshot []byte) error {
	t.Helper()
	offererPeer, answererPeer := transport.NewPipePair()
	sender := New(testOptions(offererPeer))
	defer sender.Close()
	receiver := New(testOptions(answererPeer))
	defer receiver.Close()

	ctx := context.Background()
	payloadText, err := sender.Start(ctx)
	if err != nil {
		return err
	}
	code, answerCompact, err := receiver.Accept(ctx, payloadText)
	if err != nil {
		return err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- receiver.WaitForConnection(ctx) }()
	if err := sender.CompleteConnection(ctx, answerCompact, code); err != nil {
		return err
	}
	if err := <-waitErr; err != nil {
		return err
	}

	type received struct {
		snapshot []byte
		err      error
	}
	receiveResult := make(chan received, 1)
	go func() {
		got, _, err := receiver.Receive(ctx, nil)
		receiveResult <- received{got, err}
	}()
	if _, err := sender.Send(ctx, snapshot, nil); err != nil {
		return err
	}
	result := <-receiveResult
	if result.err != nil {
		return result.err
	}
	if !bytes.Equal(result.snapshot, snapshot) {
		return fmt.Errorf("snapshot corrupted in transit")
	}
	return nil
}

// TestSession_OperationOrder verifies out-of-order calls fail with a
// state error instead of misbehaving.
func TestSession_OperationOrder(t *testing.T) {
	offererPeer, answererPeer := transport.NewPipePair()
	defer offererPeer.Close()
	defer answererPeer.Close()

	session := New(testOptions(offererPeer))
	defer session.Close()
	ctx := context.Background()

	if _, err := session.Send(ctx, []byte("data"), nil); err == nil {
		t.Error("Send on an idle session succeeded")
	}
	if err := session.WaitForConnection(ctx); err == nil {
		t.Error("WaitForConnection on an idle session succeeded")
	}
}

// TestSession_CodeNormalization verifies the entered code tolerates
// lowercase and separator noise.
func TestSession_CodeNormalization(t *testing.T) {
	offererPeer, answererPeer := transport.NewPipePair()
	sender := New(testOptions(offererPeer))
	defer sender.Close()
	receiver := New(testOptions(answererPeer))
	defer receiver.Close()

	ctx := context.Background()
	payloadText, err := sender.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	code, answerCompact, err := receiver.Accept(ctx, payloadText)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- receiver.WaitForConnection(ctx) }()

	sloppy := " " + strings.ToLower(strings.ReplaceAll(code, "-", " ")) + " "
	if err := sender.CompleteConnection(ctx, answerCompact, sloppy); err != nil {
		t.Fatalf("CompleteConnection with sloppy code: %v", err)
	}
	if err := testutil.RequireReceive(t, waitErr, 5*time.Second, "WaitForConnection result"); err != nil {
		t.Fatalf("WaitForConnection: %v", err)
	}
}
