package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-meditation/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingLoader struct {
	calls []string
	fail  string
}

func (r *recordingLoader) LoadSoVITS(_ context.Context, id string) error {
	r.calls = append(r.calls, "sovits:"+id)
	if r.fail == id {
		return errors.New("weights missing")
	}
	return nil
}

func (r *recordingLoader) LoadGPT(_ context.Context, id string) error {
	r.calls = append(r.calls, "gpt:"+id)
	if r.fail == id {
		return errors.New("weights missing")
	}
	return nil
}

func TestRegistrySwapsOnlyChangedSlots(t *testing.T) {
	loader := &recordingLoader{}
	reg := NewModelRegistry(loader, ModelSelection{SoVITS: "s1", GPT: "g1"}, newLogger())

	if err := reg.Ensure(context.Background(), ModelSelection{SoVITS: "s1", GPT: "g1"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(loader.calls) != 0 {
		t.Fatalf("expected no swaps, got %v", loader.calls)
	}

	if err := reg.Ensure(context.Background(), ModelSelection{SoVITS: "s1", GPT: "g2"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(loader.calls) != 1 || loader.calls[0] != "gpt:g2" {
		t.Fatalf("expected single gpt swap, got %v", loader.calls)
	}

	if err := reg.Ensure(context.Background(), ModelSelection{}); err != nil {
		t.Fatalf("ensure empty: %v", err)
	}
	if got := reg.Current(); got.SoVITS != "s1" || got.GPT != "g2" {
		t.Fatalf("unexpected current selection %+v", got)
	}
}

func TestRegistryKeepsStateOnFailedLoad(t *testing.T) {
	loader := &recordingLoader{fail: "broken"}
	reg := NewModelRegistry(loader, ModelSelection{SoVITS: "s1"}, newLogger())
	if err := reg.Ensure(context.Background(), ModelSelection{SoVITS: "broken"}); err == nil {
		t.Fatal("expected load error")
	}
	if got := reg.Current().SoVITS; got != "s1" {
		t.Fatalf("current sovits changed after failed load: %q", got)
	}
}

func TestRegistryPreload(t *testing.T) {
	loader := &recordingLoader{}
	reg := NewModelRegistry(loader, ModelSelection{SoVITS: "s1", GPT: "g1"}, newLogger())
	if err := reg.Preload(context.Background()); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if len(loader.calls) != 2 {
		t.Fatalf("expected both slots loaded, got %v", loader.calls)
	}
}

func TestEstimateSegments(t *testing.T) {
	tests := []struct {
		text string
		mode SplitMode
		want int
	}{
		{"现在，让我们开始今天的冥想练习。请找一个舒适的姿势坐下。", SplitCJKPeriod, 2},
		{"Breathe in. Hold it! Let go?", SplitLatinPeriod, 3},
		{"no terminal at all", SplitLatinPeriod, 1},
		{"现在，让我们开始。请坐下。", SplitPunctuation, 3},
		{"One. Two. Three. Four. Five.", SplitFourSentences, 2},
		{"一二三四五六七八九十一二三四五六七八九十一二三四五六七八九十一二三四五六七八九十一二三四五六七八九十一", SplitFiftyChars, 2},
		{"Anything. At. All.", SplitNone, 1},
		{"", SplitCJKPeriod, 1},
	}
	for _, tt := range tests {
		if got := EstimateSegments(tt.text, tt.mode); got != tt.want {
			t.Errorf("EstimateSegments(%q, %s) = %d, want %d", tt.text, tt.mode, got, tt.want)
		}
	}
}

func TestSplitText(t *testing.T) {
	got := SplitText("深呼吸。放松！  继续", SplitCJKPeriod)
	want := []string{"深呼吸。", "放松！", "继续"}
	if len(got) != len(want) {
		t.Fatalf("SplitText = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SplitText[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if pieces := SplitText("   ", SplitCJKPeriod); pieces != nil {
		t.Fatalf("expected nil for blank text, got %q", pieces)
	}
}

func TestParseSplitMode(t *testing.T) {
	if m, err := ParseSplitMode(""); err != nil || m != DefaultSplitMode {
		t.Fatalf("empty: %v %v", m, err)
	}
	if m, err := ParseSplitMode("按英文句号.切"); err != nil || m != SplitLatinPeriod {
		t.Fatalf("engine label: %v %v", m, err)
	}
	if m, err := ParseSplitMode("Punctuation"); err != nil || m != SplitPunctuation {
		t.Fatalf("name: %v %v", m, err)
	}
	if _, err := ParseSplitMode("by-vibes"); err == nil {
		t.Fatal("expected error")
	}
	if SplitNone.CutMethod() != "cut0" || SplitPunctuation.CutMethod() != "cut5" {
		t.Fatal("unexpected cut method mapping")
	}
}

func TestMockEngineEmitsOneSegmentPerSlice(t *testing.T) {
	eng := NewMockEngine(16000)
	segs, errs := eng.Synthesize(context.Background(), Request{Text: "一。二。三。", SplitMode: SplitCJKPeriod, Speed: 1, PauseSeconds: 0.1})
	var got []Segment
	for seg := range segs {
		got = append(got, seg)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(got))
	}
	for i, seg := range got {
		if seg.Sequence != i || seg.SampleRate != 16000 || seg.Empty() {
			t.Fatalf("unexpected segment %d: seq=%d rate=%d n=%d", i, seg.Sequence, seg.SampleRate, len(seg.Samples))
		}
	}
}

func TestDecodeExecLine(t *testing.T) {
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(16384))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(0xC000))
	line, _ := json.Marshal(execResponse{SampleRate: 32000, PCMBase64: base64.StdEncoding.EncodeToString(pcm)})

	seg, done, err := decodeExecLine(line)
	if err != nil || done {
		t.Fatalf("decode: done=%v err=%v", done, err)
	}
	if seg.SampleRate != 32000 || len(seg.Samples) != 2 {
		t.Fatalf("unexpected segment %+v", seg.Buffer)
	}
	if seg.Samples[0] != 0.5 || seg.Samples[1] != -0.5 {
		t.Fatalf("unexpected samples %v", seg.Samples)
	}

	if _, _, err := decodeExecLine([]byte(`{"error":"cuda out of memory"}`)); err == nil || err.Error() != "cuda out of memory" {
		t.Fatalf("expected engine error, got %v", err)
	}
	if _, done, err := decodeExecLine([]byte(`{"done":true}`)); err != nil || !done {
		t.Fatalf("expected done marker, got done=%v err=%v", done, err)
	}
	if _, _, err := decodeExecLine([]byte(`{"sample_rate":32000,"pcm_base64":"AA=="}`)); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestNewExecEngineRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecEngine(ExecOptions{Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestHTTPEngine(t *testing.T) {
	wav, err := audio.EncodeWAVBytes(audio.Buffer{SampleRate: 32000, Samples: []float32{0, 0.25, -0.25}})
	if err != nil {
		t.Fatal(err)
	}
	var gotReq httpTTSRequest
	var weights []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set_gpt_weights", "/set_sovits_weights":
			weights = append(weights, r.URL.Path+"="+r.URL.Query().Get("weights_path"))
			w.WriteHeader(http.StatusOK)
		case "/tts":
			if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if gotReq.Text == "fail" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"message":"tts failed","Exception":"boom"}`))
				return
			}
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(wav)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	eng, err := NewHTTPEngine(HTTPOptions{Endpoint: srv.URL + "/", SampleSteps: 8})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()
	if err := eng.LoadGPT(ctx, "GPT_weights/a.ckpt"); err != nil {
		t.Fatalf("load gpt: %v", err)
	}
	if err := eng.LoadSoVITS(ctx, "SoVITS_weights/b.pth"); err != nil {
		t.Fatalf("load sovits: %v", err)
	}
	if len(weights) != 2 || weights[0] != "/set_gpt_weights=GPT_weights/a.ckpt" {
		t.Fatalf("unexpected weight calls %v", weights)
	}

	segs, errs := eng.Synthesize(ctx, Request{Text: "hello.", SplitMode: SplitLatinPeriod, Speed: 0.9, PauseSeconds: 0.4, TopK: 15})
	var got []Segment
	for seg := range segs {
		got = append(got, seg)
	}
	if err := <-errs; err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 1 || got[0].SampleRate != 32000 || len(got[0].Samples) != 3 {
		t.Fatalf("unexpected segments %+v", got)
	}
	if gotReq.TextSplitMethod != "cut4" || gotReq.SpeedFactor != 0.9 || gotReq.FragmentInterval != 0.4 || gotReq.SampleSteps != 8 {
		t.Fatalf("unexpected request body %+v", gotReq)
	}

	segs, errs = eng.Synthesize(ctx, Request{Text: "fail"})
	for range segs {
		t.Fatal("no segment expected on failure")
	}
	if err := <-errs; err == nil {
		t.Fatal("expected error from failing server")
	}
}
