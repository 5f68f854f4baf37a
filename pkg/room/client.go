// Package room implements the WebRTC room client: offer/answer join over
// HTTP, an opus uplink for the bot's voice and a decoded downlink for
// remote participant audio. It satisfies transport.Transport.
package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voicegate-ai/voicegate/pkg/audio"
	"github.com/voicegate-ai/voicegate/pkg/transport"
)

const (
	sampleRate = 48000
	channels   = 1
	bitRate    = 50000

	// maxOpusPacket is the largest opus packet the encoder can emit.
	maxOpusPacket = 1275
)

// Config holds the join parameters.
type Config struct {
	RoomURL string
	Token   string
	// JoinTimeout bounds the HTTP negotiation (default 15s).
	JoinTimeout time.Duration
}

// Client is one bot connection to a room.
type Client struct {
	cfg Config
	pc  *webrtc.PeerConnection

	localTrack *webrtc.TrackLocalStaticSample
	encoder    *opus.Encoder

	mu      sync.RWMutex
	handler transport.RemoteAudioHandler

	participant chan struct{}
	partOnce    sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ transport.Transport = (*Client)(nil)

type joinRequest struct {
	SDP   string `json:"sdp"`
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type joinResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// participantEvent is the data-channel signaling message the room server
// sends when membership changes.
type participantEvent struct {
	Type        string `json:"type"`
	Participant struct {
		ID      string `json:"id"`
		IsLocal bool   `json:"is_local"`
		MicOn   bool   `json:"mic_on"`
	} `json:"participant"`
}

// Join negotiates a sendrecv audio session with the room server and starts
// the downlink reader. The returned client is ready for SendFrame.
func Join(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RoomURL == "" {
		return nil, fmt.Errorf("room URL is required")
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 15 * time.Second
	}

	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	encoder.SetBitrate(bitRate)
	encoder.SetComplexity(10)
	encoder.SetDTX(true)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		pc:          pc,
		encoder:     encoder,
		participant: make(chan struct{}),
		ctx:         cctx,
		cancel:      cancel,
	}

	transceiver, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	if sender := transceiver.Sender(); sender != nil {
		if track, ok := sender.Track().(*webrtc.TrackLocalStaticSample); ok {
			c.localTrack = track
		}
	}
	if c.localTrack == nil {
		c.Close()
		return nil, fmt.Errorf("no local audio track on transceiver")
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[RoomClient] Connection state: %s", state)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[RoomClient] Remote audio track %s (%s)", track.ID(), track.Codec().MimeType)
		c.signalParticipant()
		c.wg.Add(1)
		go c.readRemoteAudio(track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.setupSignaling(dc)
	})
	// Our own signaling channel; the server may also open one toward us.
	if dc, err := pc.CreateDataChannel("events", nil); err == nil {
		c.setupSignaling(dc)
	}

	if err := c.negotiate(ctx); err != nil {
		c.Close()
		return nil, err
	}
	log.Printf("[RoomClient] Joined %s", cfg.RoomURL)
	return c, nil
}

// negotiate runs the offer/answer exchange over the room URL.
func (c *Client) negotiate(ctx context.Context) error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := json.Marshal(joinRequest{
		SDP:   c.pc.LocalDescription().SDP,
		Type:  c.pc.LocalDescription().Type.String(),
		Token: c.cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("encode join request: %w", err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(joinCtx, http.MethodPost, c.cfg.RoomURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("join room status %d: %s", resp.StatusCode, string(detail))
	}

	var answer joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return fmt.Errorf("decode join answer: %w", err)
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (c *Client) setupSignaling(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		log.Printf("[RoomClient] Signaling channel %q open", dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var ev participantEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		if ev.Type == "participant_joined" && !ev.Participant.IsLocal {
			log.Printf("[RoomClient] Participant joined: %s", ev.Participant.ID)
			c.signalParticipant()
		}
	})
}

func (c *Client) signalParticipant() {
	c.partOnce.Do(func() {
		close(c.participant)
	})
}

// readRemoteAudio decodes the opus downlink into PCM and hands blocks to
// the remote-audio handler.
func (c *Client) readRemoteAudio(track *webrtc.TrackRemote) {
	defer c.wg.Done()

	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		log.Printf("[RoomClient] Create opus decoder: %v", err)
		return
	}

	pcmBuf := make([]int16, 1920) // room for a 40ms packet
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				log.Printf("[RoomClient] Remote track closed")
				return
			}
			log.Printf("[RoomClient] RTP read: %v", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			log.Printf("[RoomClient] Opus decode: %v", err)
			continue
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler != nil {
			handler(audio.Int16ToBytes(pcmBuf[:n]), sampleRate, channels)
		}
	}
}

// SendFrame encodes one 1920-byte PCM frame to opus and writes it to the
// uplink track.
func (c *Client) SendFrame(pcm []byte) error {
	if len(pcm) != transport.FrameBytes {
		return fmt.Errorf("frame must be %d bytes, got %d", transport.FrameBytes, len(pcm))
	}
	opusBuf := make([]byte, maxOpusPacket)
	n, err := c.encoder.Encode(audio.BytesToInt16(pcm), opusBuf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	return c.localTrack.WriteSample(media.Sample{
		Data:     opusBuf[:n],
		Duration: 20 * time.Millisecond,
	})
}

// SetRemoteAudioHandler installs the raw downlink callback.
func (c *Client) SetRemoteAudioHandler(handler transport.RemoteAudioHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// WaitForParticipant blocks until a remote participant is present.
func (c *Client) WaitForParticipant(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-c.participant:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// Close tears down the downlink reader and the peer connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.pc.Close()
		c.wg.Wait()
		log.Printf("[RoomClient] Closed")
	})
	return err
}
