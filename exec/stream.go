package exec

import "sync"

// StreamKind tags a Chunk by which remote stream it came from.
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (k StreamKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one piece of output from a running remote command.
type Chunk struct {
	Stream StreamKind
	Data   []byte
}

// CommandStream is the finite async stream ExecuteCommandStream returns. It
// completes when the remote channel reaches EOF; Err() then reports
// CommandFailed if the buffered exit status was nonzero, or any transport
// error observed along the way.
type CommandStream struct {
	chunks chan Chunk

	mu   sync.Mutex
	done bool
	err  error
}

func newCommandStream() *CommandStream {
	return &CommandStream{chunks: make(chan Chunk, 64)}
}

// Chunks returns the channel of stdout/stderr chunks. It is closed when the
// stream completes; callers should call Err() afterward.
func (s *CommandStream) Chunks() <-chan Chunk { return s.chunks }

// Err reports the stream's terminal error, if any. Valid once Chunks() has
// been drained to closure.
func (s *CommandStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *CommandStream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
}

func (s *CommandStream) push(c Chunk) {
	s.chunks <- c
}
