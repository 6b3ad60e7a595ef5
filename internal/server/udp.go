package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/command-smoother/internal/config"
	"github.com/skypro1111/command-smoother/internal/metrics"
	"github.com/skypro1111/command-smoother/internal/protocol"
	"github.com/skypro1111/command-smoother/internal/stream"
)

// UDPServer handles incoming score stream packets
type UDPServer struct {
	conn      *net.UDPConn
	config    *config.ServerConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One queue per worker; a stream always lands on the same worker so its
	// packets are processed in arrival order
	queues []chan *incomingPacket

	// Counters
	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	unknownStreams   uint64
	rejectedScores   uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance. m may be nil.
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers < 1 {
		workers = 4
	}
	perWorker := cfg.QueueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}

	queues := make([]chan *incomingPacket, workers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, perWorker)
	}

	return &UDPServer{
		config:    cfg,
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		queues:    queues,
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.queues)),
	)

	for i := range s.queues {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound local address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	// Closing the connection unblocks the receive loop
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	// Workers drain their queues and exit once the loop is done
	defer func() {
		for _, q := range s.queues {
			close(q)
		}
	}()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Periodic deadline so cancellation is noticed
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordPacketReceived()
		}

		// The read buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		queue := s.queues[s.workerFor(packetData)]
		select {
		case queue <- packet:
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()

			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}

		if s.metrics != nil {
			s.metrics.SetQueueSize(s.queuedPackets())
		}
	}
}

// workerFor picks the worker queue for a packet by its stream ID
func (s *UDPServer) workerFor(data []byte) int {
	if len(data) < protocol.HeaderSize {
		return 0
	}
	return int(binary.BigEndian.Uint32(data[3:7]) % uint32(len(s.queues)))
}

func (s *UDPServer) queuedPackets() int {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}

// packetProcessor processes packets from one worker queue
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.queues[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsedPacket, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordParseError()
		}

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordPacketProcessed()
	}

	switch parsedPacket.Header.PacketType {
	case protocol.PacketTypeOpen:
		s.processOpenPacket(parsedPacket.Header, parsedPacket.Open, workerID)
	case protocol.PacketTypeScores:
		s.processScoresPacket(parsedPacket.Header, parsedPacket.Scores, workerID)
	case protocol.PacketTypeClose:
		s.processClosePacket(parsedPacket.Header, workerID)
	}
}

// processOpenPacket creates or refreshes a stream session
func (s *UDPServer) processOpenPacket(header *protocol.Header, payload *protocol.OpenPayload, workerID int) {
	meta := stream.Metadata{
		ChannelID: payload.GetChannelID(),
		DeviceID:  payload.GetDeviceID(),
		Model:     payload.GetModel(),
	}

	session, err := s.streamMgr.CreateSession(header.StreamID, meta)
	if err != nil {
		s.logger.Error("Failed to create stream session",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.logger.Info("Open packet processed",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("session_id", session.SessionID),
		slog.String("channel_id", meta.ChannelID),
		slog.String("model", meta.Model),
		slog.Int("worker_id", workerID),
	)
}

// processScoresPacket feeds one score frame to the stream's engine
func (s *UDPServer) processScoresPacket(header *protocol.Header, payload *protocol.ScoresPayload, workerID int) {
	session, exists := s.streamMgr.GetSession(header.StreamID)
	if !exists {
		s.mu.Lock()
		s.unknownStreams++
		s.mu.Unlock()

		s.logger.Warn("Received scores for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Int64("timestamp_ms", payload.TimestampMs),
			slog.Int("worker_id", workerID),
		)
		return
	}

	result, err := session.Process(payload.Scores, payload.TimestampMs)
	if err != nil {
		s.mu.Lock()
		s.rejectedScores++
		s.mu.Unlock()

		s.logger.Warn("Rejected score frame",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Int64("timestamp_ms", payload.TimestampMs),
			slog.Int("scores", len(payload.Scores)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.logger.Debug("Scores packet processed",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.Int64("timestamp_ms", payload.TimestampMs),
		slog.String("label", result.FoundLabel),
		slog.Float64("score", result.Score),
		slog.String("decision", string(result.Decision)),
		slog.Int("worker_id", workerID),
	)
}

// processClosePacket ends a stream session
func (s *UDPServer) processClosePacket(header *protocol.Header, workerID int) {
	if !s.streamMgr.RemoveSession(header.StreamID) {
		s.logger.Warn("Received close for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.logger.Info("Close packet processed",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.Int("worker_id", workerID),
	)
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capacity := 0
	for _, q := range s.queues {
		capacity += cap(q)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		PacketsDropped:   s.packetsDropped,
		ParseErrors:      s.parseErrors,
		UnknownStreams:   s.unknownStreams,
		RejectedScores:   s.rejectedScores,
		ActiveStreams:    uint64(s.streamMgr.GetActiveSessionCount()),
		QueueSize:        uint64(s.queuedPackets()),
		QueueCapacity:    uint64(capacity),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	UnknownStreams   uint64 `json:"unknown_streams"`
	RejectedScores   uint64 `json:"rejected_scores"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
