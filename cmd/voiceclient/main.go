// Command voiceclient streams a WAV file to the gateway as spoken turns and
// reports transcripts, replies and latency. With -concurrency above one it
// doubles as a load generator.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/env"
)

const chunkBytes = 640 // 20ms at 16kHz

func main() {
	gateway := flag.String("gateway", env.Str("VOICE_GATEWAY_URL", "ws://localhost:8000/ws/voice"), "gateway websocket URL")
	wavPath := flag.String("wav", "", "16-bit PCM WAV file to speak (synthetic tone if empty)")
	voice := flag.String("voice", "", "voice profile")
	stt := flag.String("stt", "", "stt engine override")
	llm := flag.String("llm", "", "llm engine override")
	tts := flag.String("tts", "", "tts engine override")
	turns := flag.Int("turns", 1, "turns per session")
	concurrency := flag.Int("concurrency", env.Int("VOICE_CLIENT_CONCURRENCY", 1), "concurrent sessions")
	realtime := flag.Bool("realtime", true, "pace audio at real time")
	out := flag.String("out", "", "write the reply audio of the last turn to this WAV file")
	outRate := flag.Int("out-rate", 22050, "sample rate of the synthesized reply audio")
	replyTimeout := flag.Duration("timeout", env.Duration("VOICE_CLIENT_TIMEOUT", 60*time.Second), "max wait for a turn to finish after end-turn")
	verbose := flag.Bool("v", false, "print every event")
	flag.Parse()

	pcm, rate := syntheticSpeech(2*time.Second, 16000), 16000
	if *wavPath != "" {
		var err error
		if pcm, rate, err = loadPCM(*wavPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Gateway: %s | %d sessions x %d turns | %dms of audio per turn\n",
		*gateway, *concurrency, *turns, audio.PCM16Duration(pcm, rate))

	cfg := runConfig{
		gateway:  *gateway,
		pcm:      pcm,
		rate:     rate,
		turns:    *turns,
		timeout:  *replyTimeout,
		realtime: *realtime,
		verbose:  *verbose && *concurrency == 1,
		start:    startTurn{Type: "start-turn", VoiceProfile: *voice, STTEngine: *stt, LLMEngine: *llm, TTSEngine: *tts},
	}

	var mu sync.Mutex
	var results []turnResult
	var wg sync.WaitGroup
	for i := range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs := runSession(cfg, fmt.Sprintf("voiceclient-%d-%d", os.Getpid(), i))
			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if *out != "" && *concurrency == 1 && len(results) > 0 {
		last := results[len(results)-1]
		if err := savePCM(*out, last.audio, *outRate); err != nil {
			fmt.Fprintln(os.Stderr, "write reply audio:", err)
		}
	}
	printSummary(results)
}

type runConfig struct {
	gateway  string
	pcm      []byte
	rate     int
	turns    int
	timeout  time.Duration
	realtime bool
	verbose  bool
	start    startTurn
}

type startTurn struct {
	Type         string `json:"type"`
	VoiceProfile string `json:"voice_profile,omitempty"`
	STTEngine    string `json:"stt_engine,omitempty"`
	LLMEngine    string `json:"llm_engine,omitempty"`
	TTSEngine    string `json:"tts_engine,omitempty"`
}

type event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Index     int    `json:"index"`
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"is_final"`
	Binary    bool   `json:"binary"`
	Stage     string `json:"stage"`
	State     string `json:"state"`
	Message   string `json:"message"`
}

type turnResult struct {
	ok         bool
	err        string
	transcript string
	reply      string
	finalMs    float64
	firstAudio float64
	totalMs    float64
	chunks     int
	audio      []byte
}

func runSession(cfg runConfig, sessionID string) []turnResult {
	u, err := url.Parse(cfg.gateway)
	if err != nil {
		return []turnResult{{err: err.Error()}}
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return []turnResult{{err: fmt.Sprintf("dial: %v", err)}}
	}
	defer conn.Close()
	defer conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	var results []turnResult
	for range cfg.turns {
		r := runTurn(conn, cfg)
		results = append(results, r)
		if !r.ok && r.err != "" && cfg.verbose {
			fmt.Fprintln(os.Stderr, "turn failed:", r.err)
		}
	}
	return results
}

func runTurn(conn *websocket.Conn, cfg runConfig) turnResult {
	if err := conn.WriteJSON(cfg.start); err != nil {
		return turnResult{err: fmt.Sprintf("start-turn: %v", err)}
	}
	pace := time.Duration(float64(chunkBytes/2) / float64(cfg.rate) * float64(time.Second))
	for i := 0; i < len(cfg.pcm); i += chunkBytes {
		end := min(i+chunkBytes, len(cfg.pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, cfg.pcm[i:end]); err != nil {
			return turnResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		if cfg.realtime {
			time.Sleep(pace)
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "end-turn"}); err != nil {
		return turnResult{err: fmt.Sprintf("end-turn: %v", err)}
	}
	ended := time.Now()
	ms := func() float64 { return float64(time.Since(ended).Microseconds()) / 1000 }

	var r turnResult
	expectBinary := false
	conn.SetReadDeadline(time.Now().Add(cfg.timeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			r.err = fmt.Sprintf("read: %v", err)
			return r
		}
		if msgType == websocket.BinaryMessage {
			if expectBinary {
				r.audio = append(r.audio, data...)
				expectBinary = false
			}
			continue
		}
		var ev event
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		if cfg.verbose {
			printEvent(ev)
		}
		switch ev.Type {
		case "final-transcript":
			r.transcript = ev.Text
			r.finalMs = ms()
		case "final-reply":
			r.reply = ev.Text
		case "audio-chunk":
			if r.chunks == 0 {
				r.firstAudio = ms()
			}
			r.chunks++
			if ev.Binary {
				expectBinary = true
			} else if b, err := base64.StdEncoding.DecodeString(ev.Audio); err == nil {
				r.audio = append(r.audio, b...)
			}
		case "error":
			r.err = ev.Stage + ": " + ev.Message
		case "stage-status":
			switch ev.Stage {
			case "Completed":
				r.ok = true
				r.totalMs = ms()
				return r
			case "Failed", "Cancelled":
				r.totalMs = ms()
				return r
			}
		}
	}
}

func printEvent(ev event) {
	switch ev.Type {
	case "partial-transcript", "final-transcript", "partial-reply", "final-reply":
		fmt.Printf("%-18s %s\n", ev.Type, ev.Text)
	case "audio-chunk":
		fmt.Printf("%-18s #%d final=%v\n", ev.Type, ev.Index, ev.IsFinal)
	case "stage-status":
		fmt.Printf("%-18s %s %s\n", ev.Type, ev.Stage, ev.State)
	case "error":
		fmt.Printf("%-18s %s: %s\n", ev.Type, ev.Stage, ev.Message)
	default:
		fmt.Printf("%-18s %s\n", ev.Type, ev.SessionID)
	}
}

func printSummary(results []turnResult) {
	var ok, failed int
	var finals, firsts, totals []float64
	for _, r := range results {
		if !r.ok {
			failed++
			continue
		}
		ok++
		finals = append(finals, r.finalMs)
		if r.chunks > 0 {
			firsts = append(firsts, r.firstAudio)
		}
		totals = append(totals, r.totalMs)
	}

	fmt.Printf("\n=== Voice Client Results ===\n")
	fmt.Printf("Turns completed: %d\n", ok)
	fmt.Printf("Turns failed:    %d\n", failed)
	if ok == 0 {
		for _, r := range results {
			if r.err != "" {
				fmt.Println("last error:", r.err)
				break
			}
		}
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Since end", "p50", "p95", "p99")
	row := func(name string, data []float64) {
		if len(data) == 0 {
			return
		}
		fmt.Printf("%-12s %6.0fms %6.0fms %6.0fms\n", name, percentile(data, 50), percentile(data, 95), percentile(data, 99))
	}
	row("transcript", finals)
	row("first audio", firsts)
	row("completed", totals)
}

func percentile(data []float64, pct float64) float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
