package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ezburn/ezburn/internal/helpers"
	"github.com/ezburn/ezburn/internal/logger"
	"go.uber.org/zap"
)

// ErrClosed is returned for requests that can no longer be answered because
// the incoming side of the stream has ended.
var ErrClosed = errors.New("The service was stopped")

// Handler answers one incoming request. Requests are maps with a "command"
// key. Returning an error sends an error response.
type Handler func(ctx context.Context, request map[string]interface{}) (map[string]interface{}, error)

type outgoingPacket struct {
	bytes      []byte
	isResponse bool
}

type callResult struct {
	response map[string]interface{}
	err      error
}

// Stream multiplexes requests in both directions over one reader and one
// writer. Each incoming request is handled on its own goroutine, and all
// packets are written by a single goroutine so they never interleave.
type Stream struct {
	reader  io.Reader
	writer  io.Writer
	handler Handler
	log     *zap.Logger

	outgoing chan outgoingPacket
	done     chan struct{}

	// Counts responses that have not been written yet
	waitGroup sync.WaitGroup

	mutex     sync.Mutex
	nextID    uint32
	callbacks map[uint32]chan callResult
	closed    bool
}

func NewStream(reader io.Reader, writer io.Writer, handler Handler) *Stream {
	return &Stream{
		reader:    reader,
		writer:    writer,
		handler:   handler,
		log:       logger.Zap().Named("protocol"),
		outgoing:  make(chan outgoingPacket),
		done:      make(chan struct{}),
		callbacks: make(map[uint32]chan callResult),
	}
}

// Run reads packets until the reader ends. It returns after every incoming
// request has been answered, so the last response is flushed before the
// caller exits.
func (s *Stream) Run(ctx context.Context) error {
	go s.writeLoop()

	buffer := make([]byte, 16*1024)
	stream := []byte{}
	var readErr error

	for {
		n, err := s.reader.Read(buffer)
		if n > 0 {
			stream = append(stream, buffer[:n]...)

			// Process all complete (i.e. not partial) packets
			bytes := stream
			for {
				packet, afterPacket, ok := ReadLengthPrefixedSlice(bytes)
				if !ok {
					break
				}
				bytes = afterPacket
				if err := s.dispatch(ctx, packet); err != nil {
					readErr = err
				}
			}

			// Move the remaining partial packet to the front to avoid reallocating
			stream = append(stream[:0], bytes...)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, io.ErrClosedPipe) {
				readErr = err
			}
			break
		}
		if readErr != nil {
			break
		}
	}

	s.mutex.Lock()
	s.closed = true
	for id, callback := range s.callbacks {
		callback <- callResult{err: ErrClosed}
		delete(s.callbacks, id)
	}
	s.mutex.Unlock()

	s.waitGroup.Wait()
	close(s.done)
	return readErr
}

func (s *Stream) dispatch(ctx context.Context, bytes []byte) error {
	packet, ok := DecodePacket(bytes)
	if !ok {
		return errors.New("Received an invalid packet")
	}

	if packet.IsRequest {
		s.waitGroup.Add(1)
		go s.handleRequest(ctx, packet)
		return nil
	}

	s.mutex.Lock()
	callback, ok := s.callbacks[packet.ID]
	delete(s.callbacks, packet.ID)
	s.mutex.Unlock()

	// The caller gave up on this request, for example because its context
	// was cancelled. The answer arrives late and is dropped.
	if !ok {
		s.log.Debug("dropped response for a forgotten request", zap.Uint32("id", packet.ID))
		return nil
	}

	response, ok := packet.Value.(map[string]interface{})
	if !ok {
		callback <- callResult{err: errors.New("Received a response that is not a map")}
		return nil
	}
	if err := DecodeError(response); err != nil {
		callback <- callResult{err: err}
		return nil
	}
	callback <- callResult{response: response}
	return nil
}

func (s *Stream) handleRequest(ctx context.Context, packet Packet) {
	var response map[string]interface{}

	func() {
		// Panics become error responses so the other end is not left waiting
		defer func() {
			if r := recover(); r != nil {
				response = map[string]interface{}{
					"error": fmt.Sprintf("panic: %v\n\n%s", r, helpers.PrettyPrintedStack()),
				}
			}
		}()

		request, ok := packet.Value.(map[string]interface{})
		if !ok {
			response = map[string]interface{}{"error": "Invalid request"}
			return
		}

		var err error
		response, err = s.handler(ctx, request)
		if err != nil {
			response = EncodeError(err)
		} else if response == nil {
			response = map[string]interface{}{}
		}
	}()

	bytes, err := EncodePacket(Packet{ID: packet.ID, Value: response})
	if err != nil {
		bytes, _ = EncodePacket(Packet{ID: packet.ID, Value: EncodeError(err)})
	}
	s.outgoing <- outgoingPacket{bytes: bytes, isResponse: true}
}

func (s *Stream) writeLoop() {
	for {
		select {
		case packet := <-s.outgoing:
			if _, err := s.writer.Write(packet.bytes); err != nil {
				s.log.Debug("write failed", zap.Error(err))
			}

			// Only signal that this request is done when it has actually been written
			if packet.isResponse {
				s.waitGroup.Done()
			}

		case <-s.done:
			return
		}
	}
}

// SendRequest sends a request to the other end and waits for its response.
// Error responses are returned as errors.
func (s *Stream) SendRequest(ctx context.Context, request map[string]interface{}) (map[string]interface{}, error) {
	callback := make(chan callResult, 1)

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	s.callbacks[id] = callback
	s.mutex.Unlock()

	bytes, err := EncodePacket(Packet{ID: id, IsRequest: true, Value: request})
	if err != nil {
		s.forget(id)
		return nil, err
	}

	select {
	case s.outgoing <- outgoingPacket{bytes: bytes}:
	case <-s.done:
		s.forget(id)
		return nil, ErrClosed
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}

	select {
	case result := <-callback:
		return result.response, result.err
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

func (s *Stream) forget(id uint32) {
	s.mutex.Lock()
	delete(s.callbacks, id)
	s.mutex.Unlock()
}

// Done is closed once Run has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
