package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const segmentLine = `{"sample_rate":32000,"pcm_base64":"AEAAwA=="}`

func bridgeEngine(t *testing.T, script string) Engine {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write bridge: %v", err)
	}
	engine, err := NewExecEngine(ExecOptions{Command: "sh " + path, Version: "v2ProPlus", SampleSteps: 8})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	return engine
}

type streamResult struct {
	segments []Segment
	err      error
}

func readStream(t *testing.T, segs <-chan Segment, errs <-chan error) ([]Segment, error) {
	t.Helper()
	done := make(chan streamResult, 1)
	go func() {
		var out []Segment
		for seg := range segs {
			out = append(out, seg)
		}
		done <- streamResult{segments: out, err: <-errs}
	}()
	select {
	case r := <-done:
		return r.segments, r.err
	case <-time.After(10 * time.Second):
		t.Fatal("exec stream did not finish")
		return nil, nil
	}
}

func TestExecEngineStreamsSegments(t *testing.T) {
	reqFile := filepath.Join(t.TempDir(), "request.json")
	engine := bridgeEngine(t, fmt.Sprintf(`cat > %s
echo '%s'
echo ''
echo '%s'
echo '{"done":true}'
`, reqFile, segmentLine, segmentLine))

	segs, errs := engine.Synthesize(context.Background(), Request{
		Text:         "吸气。呼气。",
		RefAudioPath: "/data/ref.wav",
		PromptText:   "你好",
		SplitMode:    SplitCJKPeriod,
		TopK:         15,
		Speed:        0.95,
	})
	got, err := readStream(t, segs, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got))
	}
	for i, seg := range got {
		if seg.Sequence != i || seg.SampleRate != 32000 || len(seg.Samples) != 2 {
			t.Fatalf("unexpected segment %d: %+v", i, seg)
		}
	}

	data, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req execRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Op != "synthesize" || req.HowToCut != SplitCJKPeriod.EngineLabel() || req.SampleSteps != 8 || req.TopK != 15 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestExecEngineDrainsOutputAfterDone(t *testing.T) {
	engine := bridgeEngine(t, `cat >/dev/null
echo '{"done":true}'
head -c 1000000 /dev/zero | tr '\0' x
`)

	segs, errs := engine.Synthesize(context.Background(), Request{Text: "吸气。"})
	got, err := readStream(t, segs, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no segments, got %d", len(got))
	}

	// The engine lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.LoadGPT(ctx, "GPT_weights/a.ckpt"); err != nil {
		t.Fatalf("load after stream: %v", err)
	}
}

func TestExecEngineErrorLineStopsBridge(t *testing.T) {
	engine := bridgeEngine(t, `echo '`+segmentLine+`'
echo '{"error":"cuda out of memory"}'
exec sleep 30
`)

	segs, errs := engine.Synthesize(context.Background(), Request{Text: "吸气。"})
	_, err := readStream(t, segs, errs)
	if err == nil || !strings.Contains(err.Error(), "cuda out of memory") {
		t.Fatalf("expected bridge error, got %v", err)
	}
}

func TestExecEngineNonZeroExit(t *testing.T) {
	engine := bridgeEngine(t, `cat >/dev/null
echo 'model not loaded' >&2
exit 3
`)

	segs, errs := engine.Synthesize(context.Background(), Request{Text: "吸气。"})
	_, err := readStream(t, segs, errs)
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("expected exit error with stderr, got %v", err)
	}
}

func TestExecEngineCancelMidStream(t *testing.T) {
	engine := bridgeEngine(t, `cat >/dev/null
echo '`+segmentLine+`'
exec sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	segs, errs := engine.Synthesize(ctx, Request{Text: "吸气。呼气。"})

	select {
	case <-segs:
	case <-time.After(10 * time.Second):
		t.Fatal("first segment never arrived")
	}
	cancel()

	_, err := readStream(t, segs, errs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecEngineLoadWeights(t *testing.T) {
	reqFile := filepath.Join(t.TempDir(), "load.json")
	engine := bridgeEngine(t, fmt.Sprintf("cat > %s\n", reqFile))

	if err := engine.LoadSoVITS(context.Background(), "SoVITS_weights/voice.pth"); err != nil {
		t.Fatalf("load sovits: %v", err)
	}
	data, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req execRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Op != "load_sovits" || req.Weights != "SoVITS_weights/voice.pth" {
		t.Fatalf("unexpected load request: %+v", req)
	}
}

func TestExecEngineLoadFailure(t *testing.T) {
	engine := bridgeEngine(t, `cat >/dev/null
echo 'weights not found' >&2
exit 1
`)

	err := engine.LoadGPT(context.Background(), "GPT_weights/missing.ckpt")
	if err == nil || !strings.Contains(err.Error(), "weights not found") {
		t.Fatalf("expected load failure with stderr, got %v", err)
	}
}
