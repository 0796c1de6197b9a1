package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

// Google streams audio to Cloud Speech-to-Text over gRPC. One client is shared
// by every session; each Open starts an independent StreamingRecognize call.
type Google struct {
	client *speech.Client
	model  string
}

// NewGoogle dials a Cloud Speech client using application default
// credentials.
func NewGoogle(ctx context.Context, model string) (*Google, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Google{client: client, model: model}, nil
}

// Name returns the engine identifier.
func (g *Google) Name() string { return "google" }

// Close releases the shared client.
func (g *Google) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Open starts a StreamingRecognize call and sends its configuration.
func (g *Google) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream, err := g.client.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start streaming recognize: %w", err)
	}
	lang := strings.TrimSpace(cfg.Language)
	if lang == "" {
		lang = "en-US"
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          1,
					LanguageCode:               lang,
					Model:                      g.model,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}
	return &googleStream{stream: stream, cancel: cancel}, nil
}

type googleStream struct {
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	pending []Result
}

func (s *googleStream) Send(pcm []byte) error {
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
}

func (s *googleStream) CloseSend() error { return s.stream.CloseSend() }

func (s *googleStream) Recv() (Result, error) {
	for len(s.pending) == 0 {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Result{}, io.EOF
			}
			return Result{}, err
		}
		if st := resp.GetError(); st != nil {
			return Result{}, fmt.Errorf("speech error %d: %s", st.GetCode(), st.GetMessage())
		}
		s.pending = append(s.pending, googleResults(resp)...)
	}
	res := s.pending[0]
	s.pending = s.pending[1:]
	return res, nil
}

func (s *googleStream) Close() error {
	s.cancel()
	return nil
}

// googleResults keeps the top alternative of every non-empty result.
func googleResults(resp *speechpb.StreamingRecognizeResponse) []Result {
	var out []Result
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 || strings.TrimSpace(alts[0].GetTranscript()) == "" {
			continue
		}
		out = append(out, Result{
			Text:       alts[0].GetTranscript(),
			Final:      r.GetIsFinal(),
			Confidence: float64(alts[0].GetConfidence()),
		})
	}
	return out
}
