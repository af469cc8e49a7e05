// internal/llm/providers/replay/replay.go
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Corphon/SceneBreakdown/internal/llm"
)

// 回放提供者：返回预先录制的模型输出，用于离线复现与测试
func init() {
	llm.Register("replay", func() llm.Provider { return &Provider{} })
}

// Provider serves canned completions in order. Settings:
//
//	file      path to a file holding one raw completion
//	output    inline raw completion
//	responses JSON array of completions, served in order; the last repeats
//	fail      "true" makes every call fail
type Provider struct {
	mu        sync.Mutex
	responses []string
	next      int
	fail      bool
}

func (p *Provider) Initialize(config map[string]string) error {
	p.fail = config["fail"] == "true"

	if raw := config["responses"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.responses); err != nil {
			return fmt.Errorf("replay responses: %w", err)
		}
	}
	if text := config["output"]; text != "" {
		p.responses = append(p.responses, text)
	}
	if path := config["file"]; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("replay file: %w", err)
		}
		p.responses = append(p.responses, string(data))
	}

	if len(p.responses) == 0 && !p.fail {
		return errors.New("replay provider needs file, output or responses")
	}
	return nil
}

func (p *Provider) GetName() string { return "replay" }

func (p *Provider) GetSupportedModels() []string { return []string{"replay"} }

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.fail {
		return nil, errors.New("replay provider configured to fail")
	}

	p.mu.Lock()
	idx := p.next
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	} else {
		p.next++
	}
	text := p.responses[idx]
	p.mu.Unlock()

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: "replay",
		ModelName:    "replay",
		ProviderName: p.GetName(),
	}, nil
}
