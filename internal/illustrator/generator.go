package illustrator

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/opd-ai/horde"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/genai"
)

// ImageRequest is one call to the image service.
type ImageRequest struct {
	Prompt string
	// Width and Height are the final print pixels; generators use them to
	// pick an aspect ratio, not an exact size.
	Width  int
	Height int
}

// Chunk is one streamed piece of a response: inline image data, diagnostic
// text, or both.
type Chunk struct {
	Data     []byte
	MIMEType string
	Text     string
}

// Stream yields chunks until it returns iterator.Done.
type Stream interface {
	Next() (Chunk, error)
}

// ImageGenerator is the contract with the external image service.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (Stream, error)
}

// SliceStream replays a fixed set of chunks.
type SliceStream struct {
	chunks []Chunk
	pos    int
}

func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Next() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, iterator.Done
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// Collect drains a stream and returns the first image it carries. Text
// chunks are kept for the error message when no image arrives.
func Collect(s Stream) (*Artifact, error) {
	var notes []string
	var found *Artifact
	for {
		c, err := s.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read image stream: %w", err)
		}
		if len(c.Data) > 0 && found == nil {
			mime := c.MIMEType
			if mime == "" {
				mime = http.DetectContentType(c.Data)
			}
			found = &Artifact{Data: c.Data, MIMEType: mime}
		}
		if t := strings.TrimSpace(c.Text); t != "" {
			notes = append(notes, t)
		}
	}
	if found == nil {
		if len(notes) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoImage, strings.Join(notes, " "))
		}
		return nil, ErrNoImage
	}
	return found, nil
}

// ContentStreamer is the streaming call of the genai model service.
type ContentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// VertexGenerator streams images from a Gemini image model on Vertex AI.
type VertexGenerator struct {
	Models ContentStreamer
	Model  string
	Config *genai.GenerateContentConfig
}

func NewVertexGenerator(models ContentStreamer, model string, config *genai.GenerateContentConfig) *VertexGenerator {
	return &VertexGenerator{Models: models, Model: model, Config: config}
}

func (g *VertexGenerator) GenerateImage(ctx context.Context, req ImageRequest) (Stream, error) {
	if g.Models == nil || g.Model == "" {
		return nil, fmt.Errorf("vertex generator: model is not configured")
	}
	seq := g.Models.GenerateContentStream(ctx, g.Model, genai.Text(req.Prompt), g.Config)
	next, stop := iter.Pull2(seq)
	return &vertexStream{next: next, stop: stop}, nil
}

type vertexStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending []Chunk
}

func (s *vertexStream) Next() (Chunk, error) {
	for len(s.pending) == 0 {
		resp, err, ok := s.next()
		if !ok {
			s.stop()
			return Chunk{}, iterator.Done
		}
		if err != nil {
			s.stop()
			return Chunk{}, err
		}
		s.pending = chunksFromResponse(resp)
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func chunksFromResponse(resp *genai.GenerateContentResponse) []Chunk {
	if resp == nil {
		return nil
	}
	var chunks []Chunk
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				chunks = append(chunks, Chunk{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType})
			}
			if part.Text != "" {
				chunks = append(chunks, Chunk{Text: part.Text})
			}
		}
	}
	return chunks
}

// HordeSubmitInterval spaces generation submissions to the Horde API.
const HordeSubmitInterval = 2 * time.Second

// HordeGenerator requests images from the AI Horde crowd cluster.
type HordeGenerator struct {
	Client *horde.Client
	Model  string
	Steps  int
	// MaxSide caps the longer request dimension; Horde workers reject
	// large canvases.
	MaxSide int
	// Limiter gates submissions; nil submits immediately.
	Limiter *rate.Limiter
}

func NewHordeGenerator(apiKey string) *HordeGenerator {
	return &HordeGenerator{
		Client:  horde.NewClient(apiKey),
		Model:   horde.DefaultModel,
		Steps:   horde.DefaultSteps,
		MaxSide: 1024,
		Limiter: rate.NewLimiter(rate.Every(HordeSubmitInterval), 1),
	}
}

// HordeSize scales w x h so the longer side is maxSide, rounded to the
// 64-pixel grid the workers require.
func HordeSize(w, h, maxSide int) (int, int) {
	if w <= 0 || h <= 0 {
		return horde.DefaultWidth, horde.DefaultHeight
	}
	scale := float64(maxSide) / math.Max(float64(w), float64(h))
	round := func(v float64) int {
		n := int(math.Round(v/64)) * 64
		if n < 64 {
			n = 64
		}
		return n
	}
	return round(float64(w) * scale), round(float64(h) * scale)
}

func (g *HordeGenerator) GenerateImage(ctx context.Context, req ImageRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxSide := g.MaxSide
	if maxSide <= 0 {
		maxSide = 1024
	}
	width, height := HordeSize(req.Width, req.Height, maxSide)

	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting to submit: %w", err)
		}
	}
	resp, err := g.Client.RequestGeneration(horde.GenerationRequest{
		Prompt: req.Prompt,
		Params: horde.Params{
			Steps:     g.Steps,
			Width:     width,
			Height:    height,
			ModelName: g.Model,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("requesting generation: %w", err)
	}
	slog.Debug("horde generation accepted", "id", resp.ID, "width", width, "height", height)

	status, err := g.Client.WaitForCompletion(resp.ID)
	if err != nil {
		return nil, fmt.Errorf("waiting for completion: %w", err)
	}
	if len(status.Generation) == 0 {
		return NewSliceStream(Chunk{Text: "horde returned no generations"}), nil
	}

	data, err := g.Client.DownloadImage(status.Generation[0].Image)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	return NewSliceStream(Chunk{Data: data, MIMEType: http.DetectContentType(data)}), nil
}
