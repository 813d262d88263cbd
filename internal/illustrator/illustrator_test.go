package illustrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/storybookflow/internal/artwork"
	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/Lllllllleong/storybookflow/internal/paginator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/opd-ai/horde"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	respond func(call int, req ImageRequest) (Stream, error)
}

func (f *fakeGenerator) GenerateImage(_ context.Context, req ImageRequest) (Stream, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	call := len(f.prompts)
	f.mu.Unlock()
	return f.respond(call, req)
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type memStore struct {
	mu    sync.Mutex
	names []string
	data  map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Put(_ context.Context, name, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.data[name] = data
	return "mem://" + name + "?v=1", nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 90, 140, 200, 255
	}
	data, err := artwork.EncodePNG(img)
	require.NoError(t, err)
	return data
}

func imageStream(data []byte) Stream {
	return NewSliceStream(Chunk{Text: "here you go"}, Chunk{Data: data, MIMEType: "image/png"})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	cfg.PageDelay = 0
	cfg.DPI = 20
	return cfg
}

func testMeta() BookMeta {
	return BookMeta{
		StoryID:              "story-1",
		Title:                "The Brave Little Fox",
		Overview:             "A fox crosses the winter forest to find her family.",
		CharacterDescription: "a small red fox with a blue scarf",
	}
}

func numberedPages(n int) []paginator.PageText {
	pages := make([]paginator.PageText, n)
	for i := range pages {
		pages[i] = paginator.PageText{Number: i + 1, Text: fmt.Sprintf("Page %d text.", i+1)}
	}
	return pages
}

func TestGenerateBook_ProgressInPageOrder(t *testing.T) {
	art := pngBytes(t, 64, 64)
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) { return imageStream(art), nil }}
	store := newMemStore()
	o := New(gen, store, testConfig())

	var got []int
	obs := ObserverFunc(func(_ context.Context, ev PageEvent) error {
		got = append(got, ev.PageNumber)
		assert.False(t, ev.Cover)
		assert.Equal(t, 160, ev.Width)
		assert.Equal(t, 160, ev.Height)
		return nil
	})

	// Supplied out of order; generated in order.
	pages := numberedPages(5)
	pages[0], pages[3] = pages[3], pages[0]

	urls, err := o.GenerateBook(context.Background(), testMeta(), pages, formats.Resolve("8x8"), obs)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
	require.Len(t, urls, 5)
	assert.Equal(t, "mem://story-1_page_1.jpg?v=1", urls[0])
	assert.Equal(t, []string{
		"story-1_page_1.jpg", "story-1_page_2.jpg", "story-1_page_3.jpg",
		"story-1_page_4.jpg", "story-1_page_5.jpg",
	}, store.names)
	assert.Equal(t, 5, gen.calls())
	assert.Contains(t, gen.prompts[2], "Page 3 text.")
}

func TestGenerateBook_StoredImagesHavePrintDimensions(t *testing.T) {
	art := pngBytes(t, 100, 40)
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) { return imageStream(art), nil }}
	store := newMemStore()
	o := New(gen, store, testConfig())

	format := formats.Resolve("5.5x8.5")
	_, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(1), format, nil)
	require.NoError(t, err)

	img, kind, err := artwork.Decode(store.data["story-1_page_1.jpg"])
	require.NoError(t, err)
	assert.Equal(t, "jpeg", kind)
	w, h := format.PixelSize(20)
	assert.Equal(t, image.Rect(0, 0, w, h), img.Bounds())
}

func TestGenerateBook_QuotaIsTerminal(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) {
		return nil, errors.New("429 Too Many Requests: quota exceeded for model")
	}}
	o := New(gen, newMemStore(), testConfig())

	urls, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(3), formats.Default(), nil)
	require.Error(t, err)
	assert.Empty(t, urls)
	assert.Equal(t, 1, gen.calls())

	assert.ErrorIs(t, err, ErrQuotaExhausted)
	var qe *QuotaExhaustedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 1, qe.PageNumber)

	var pe *PageGenerationError
	assert.False(t, errors.As(err, &pe))
}

func TestGenerateBook_TransientFailureUsesRetryCeiling(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) {
		return nil, errors.New("internal server error")
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	o := New(gen, newMemStore(), cfg)

	var slept []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(2), formats.Default(), nil)
	require.Error(t, err)
	assert.Equal(t, 3, gen.calls())
	assert.Len(t, slept, 2)

	var pe *PageGenerationError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.PageNumber)
	assert.Equal(t, 3, pe.Attempts)
	assert.NotErrorIs(t, err, ErrQuotaExhausted)
}

func TestGenerateBook_DefaultCeilingIsTwo(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) {
		return NewSliceStream(Chunk{Text: "I can only describe this scene."}), nil
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 0
	o := New(gen, newMemStore(), cfg)

	_, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(1), formats.Default(), nil)
	require.Error(t, err)
	assert.Equal(t, 2, gen.calls())
	assert.ErrorIs(t, err, ErrNoImage)
	assert.Contains(t, err.Error(), "describe this scene")
}

func TestGenerateBook_RetryThenSucceed(t *testing.T) {
	art := pngBytes(t, 32, 32)
	gen := &fakeGenerator{respond: func(call int, _ ImageRequest) (Stream, error) {
		if call == 1 {
			return NewSliceStream(Chunk{Data: []byte("garbage"), MIMEType: "image/png"}), nil
		}
		return imageStream(art), nil
	}}
	o := New(gen, newMemStore(), testConfig())

	urls, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(1), formats.Default(), nil)
	require.NoError(t, err)
	assert.Len(t, urls, 1)
	assert.Equal(t, 2, gen.calls())
}

func TestGenerateBook_FailureIsPageAttributedAndKeepsEarlierPages(t *testing.T) {
	art := pngBytes(t, 32, 32)
	gen := &fakeGenerator{respond: func(_ int, req ImageRequest) (Stream, error) {
		if strings.Contains(req.Prompt, "Page 3 text.") {
			return nil, errors.New("connection reset by peer")
		}
		return imageStream(art), nil
	}}
	o := New(gen, newMemStore(), testConfig())

	var notified []int
	obs := ObserverFunc(func(_ context.Context, ev PageEvent) error {
		notified = append(notified, ev.PageNumber)
		return nil
	})

	urls, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(5), formats.Default(), obs)
	var pe *PageGenerationError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.PageNumber)
	assert.Equal(t, []int{1, 2}, notified)
	assert.Len(t, urls, 2)
	assert.Equal(t, 2+2, gen.calls())
}

func TestGenerateBook_ObserverErrorAborts(t *testing.T) {
	art := pngBytes(t, 32, 32)
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) { return imageStream(art), nil }}
	o := New(gen, newMemStore(), testConfig())

	boom := errors.New("firestore unavailable")
	_, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(3), formats.Default(),
		ObserverFunc(func(context.Context, PageEvent) error { return boom }))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, gen.calls())
}

func TestGenerateBook_ChannelObserver(t *testing.T) {
	art := pngBytes(t, 32, 32)
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) { return imageStream(art), nil }}
	o := New(gen, newMemStore(), testConfig())

	obs := NewChannelObserver(0)
	done := make(chan error, 1)
	go func() {
		_, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(4), formats.Default(), obs)
		obs.Close()
		done <- err
	}()

	var got []int
	for ev := range obs.C {
		got = append(got, ev.PageNumber)
	}
	require.NoError(t, <-done)
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestGenerateCover(t *testing.T) {
	art := pngBytes(t, 50, 80)
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) { return imageStream(art), nil }}
	store := newMemStore()
	o := New(gen, store, testConfig())

	var events []PageEvent
	obs := ObserverFunc(func(_ context.Context, ev PageEvent) error {
		events = append(events, ev)
		return nil
	})

	format := formats.Resolve("8.25x6")
	url, err := o.GenerateCover(context.Background(), testMeta(), format, obs)
	require.NoError(t, err)
	assert.Equal(t, "mem://story-1_cover.jpg?v=1", url)

	require.Len(t, events, 1)
	assert.True(t, events[0].Cover)
	assert.Equal(t, 0, events[0].PageNumber)

	img, _, err := artwork.Decode(store.data["story-1_cover.jpg"])
	require.NoError(t, err)
	w, h := format.PixelSize(20)
	assert.Equal(t, image.Rect(0, 0, w, h), img.Bounds())

	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "The Brave Little Fox")
	assert.Contains(t, prompt, "top 25%")
	assert.Contains(t, prompt, "70%")
	assert.Contains(t, prompt, "horizontally")
}

func TestGenerateCover_SingleShot(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) {
		return nil, status.Error(codes.ResourceExhausted, "slow down")
	}}
	o := New(gen, newMemStore(), testConfig())

	_, err := o.GenerateCover(context.Background(), testMeta(), formats.Default(), nil)
	var qe *QuotaExhaustedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 0, qe.PageNumber)
	assert.Equal(t, 1, gen.calls())

	gen.respond = func(int, ImageRequest) (Stream, error) { return nil, errors.New("boom") }
	_, err = o.GenerateCover(context.Background(), testMeta(), formats.Default(), nil)
	var pe *PageGenerationError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Attempts)
	assert.Equal(t, 2, gen.calls())
}

func TestGeneratePage(t *testing.T) {
	art := pngBytes(t, 32, 32)
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) { return imageStream(art), nil }}
	store := newMemStore()
	o := New(gen, store, testConfig())

	url, err := o.GeneratePage(context.Background(), testMeta(), paginator.PageText{Number: 7, Text: "Again."}, formats.Default())
	require.NoError(t, err)
	assert.Equal(t, "mem://story-1_page_7.jpg?v=1", url)
}

func TestIsQuotaError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("wrapped: %w", ErrQuotaExhausted), true},
		{"googleapi 429", &googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{"wrapped googleapi 429", fmt.Errorf("call: %w", &googleapi.Error{Code: 429}), true},
		{"googleapi 500", &googleapi.Error{Code: 500, Message: "backend error"}, false},
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "try later"), true},
		{"grpc unavailable", status.Error(codes.Unavailable, "try later"), false},
		{"message quota", errors.New("Quota exceeded for aiplatform.googleapis.com"), true},
		{"message rate limit", errors.New("Rate limit reached"), true},
		{"message resource exhausted", errors.New("RESOURCE EXHAUSTED"), true},
		{"message too many requests", errors.New("too many requests"), true},
		{"generic", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsQuotaError(tt.err))
		})
	}
}

func TestPagePrompt(t *testing.T) {
	format := formats.Resolve("6x9")
	p := PagePrompt(testMeta(), paginator.PageText{Number: 2, Text: "The fox found a cave."}, format)

	assert.Contains(t, p, "The Brave Little Fox")
	assert.Contains(t, p, "winter forest")
	assert.Contains(t, p, "The fox found a cave.")
	assert.Contains(t, p, "blue scarf")
	assert.Contains(t, p, format.Directive)
	assert.Contains(t, p, "Do not include any text")

	meta := testMeta()
	meta.CharacterDescription = "  "
	assert.NotContains(t, PagePrompt(meta, paginator.PageText{Number: 1, Text: "x"}, format), "Characters must look")
}

func TestCollect(t *testing.T) {
	a, err := Collect(NewSliceStream(Chunk{Text: "note"}, Chunk{Data: []byte("\x89PNG\r\n\x1a\nxxxx")}, Chunk{Data: []byte("second")}))
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.MIMEType)

	_, err = Collect(NewSliceStream())
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestHordeSize(t *testing.T) {
	w, h := HordeSize(1650, 2550, 1024)
	assert.Equal(t, 0, w%64)
	assert.Equal(t, 1024, h)
	assert.InDelta(t, 1650.0/2550.0, float64(w)/float64(h), 0.05)

	w, h = HordeSize(2400, 2400, 1024)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 1024, h)
}

func TestGenerateBook_DelayFollowsPageCompletion(t *testing.T) {
	art := pngBytes(t, 32, 32)
	const work = 60 * time.Millisecond
	const delay = 40 * time.Millisecond

	var mu sync.Mutex
	var starts, ends []time.Time
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(work)
		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		return imageStream(art), nil
	}}
	cfg := testConfig()
	cfg.PageDelay = delay
	o := New(gen, newMemStore(), cfg)

	_, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(3), formats.Default(), nil)
	require.NoError(t, err)

	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(ends[i-1])
		assert.GreaterOrEqual(t, gap, delay, "page %d started %v after page %d finished", i+1, gap, i)
	}
}

func TestGenerateBook_PacingSleepsBetweenPagesOnly(t *testing.T) {
	art := pngBytes(t, 32, 32)
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) { return imageStream(art), nil }}
	cfg := testConfig()
	cfg.PageDelay = 750 * time.Millisecond
	o := New(gen, newMemStore(), cfg)

	var slept []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := o.GenerateBook(context.Background(), testMeta(), numberedPages(4), formats.Default(), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{750 * time.Millisecond, 750 * time.Millisecond, 750 * time.Millisecond}, slept)
}

func TestGenerateBook_PacingHonoursCancellation(t *testing.T) {
	art := pngBytes(t, 32, 32)
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGenerator{respond: func(int, ImageRequest) (Stream, error) {
		cancel()
		return imageStream(art), nil
	}}
	cfg := testConfig()
	cfg.PageDelay = time.Hour
	o := New(gen, newMemStore(), cfg)

	urls, err := o.GenerateBook(ctx, testMeta(), numberedPages(3), formats.Default(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, urls, 1)
	assert.Equal(t, 1, gen.calls())
}

type fakeStreamer struct {
	model     string
	contents  []*genai.Content
	config    *genai.GenerateContentConfig
	responses []*genai.GenerateContentResponse
	err       error
}

func (f *fakeStreamer) GenerateContentStream(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.model, f.contents, f.config = model, contents, config
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range f.responses {
			if !yield(r, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func responseWith(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}}}
}

func TestVertexGenerator_RequestsImageModality(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nxxxx")
	streamer := &fakeStreamer{responses: []*genai.GenerateContentResponse{
		responseWith(&genai.Part{Text: "Here is the fox."}),
		responseWith(&genai.Part{InlineData: &genai.Blob{Data: png, MIMEType: "image/png"}}),
	}}
	config := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	gen := NewVertexGenerator(streamer, "gemini-image", config)

	s, err := gen.GenerateImage(context.Background(), ImageRequest{Prompt: "A fox in the snow."})
	require.NoError(t, err)
	a, err := Collect(s)
	require.NoError(t, err)

	assert.Equal(t, png, a.Data)
	assert.Equal(t, "image/png", a.MIMEType)
	assert.Equal(t, "gemini-image", streamer.model)
	require.NotNil(t, streamer.config)
	assert.Contains(t, streamer.config.ResponseModalities, "IMAGE")
	require.Len(t, streamer.contents, 1)
	assert.Equal(t, "A fox in the snow.", streamer.contents[0].Parts[0].Text)
}

func TestVertexGenerator_StreamErrors(t *testing.T) {
	boom := errors.New("stream broke")
	streamer := &fakeStreamer{
		responses: []*genai.GenerateContentResponse{responseWith(&genai.Part{Text: "thinking"})},
		err:       boom,
	}
	gen := NewVertexGenerator(streamer, "gemini-image", nil)

	s, err := gen.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	_, err = Collect(s)
	assert.ErrorIs(t, err, boom)

	_, err = NewVertexGenerator(nil, "", nil).GenerateImage(context.Background(), ImageRequest{})
	assert.Error(t, err)
}

func TestHordeGenerator_LimiterGatesSubmission(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())
	gen := &HordeGenerator{Client: horde.NewClient(""), Limiter: limiter}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := gen.GenerateImage(ctx, ImageRequest{Prompt: "x", Width: 512, Height: 512})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting to submit")
}
