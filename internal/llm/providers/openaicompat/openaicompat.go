// internal/llm/providers/openaicompat/openaicompat.go
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Corphon/SceneBreakdown/internal/llm"
)

// vendor 描述一个兼容 OpenAI chat/completions 协议的服务
type vendor struct {
	name         string
	baseURL      string
	defaultModel string
	models       []string
	// keyHeader 为空时使用 Authorization: Bearer
	keyHeader    string
	extraHeaders map[string]string
}

var vendors = []vendor{
	{
		name:         "openai",
		baseURL:      "https://api.openai.com/v1",
		defaultModel: "gpt-4o-mini",
		models:       []string{"gpt-4o", "gpt-4o-mini"},
	},
	{
		name:         "openrouter",
		baseURL:      "https://openrouter.ai/api/v1",
		defaultModel: "google/gemma-3-27b-it:free",
		models:       []string{"google/gemma-3-27b-it:free", "deepseek/deepseek-chat", "anthropic/claude-3.5-sonnet"},
		extraHeaders: map[string]string{"X-Title": "Scene Breakdown"},
	},
	{
		name:         "deepseek",
		baseURL:      "https://api.deepseek.com/v1",
		defaultModel: "deepseek-chat",
		models:       []string{"deepseek-chat", "deepseek-reasoner"},
	},
	{
		name:         "qwen",
		baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
		defaultModel: "qwen-plus",
		models:       []string{"qwen-max", "qwen-plus", "qwen-turbo"},
	},
	{
		name:         "grok",
		baseURL:      "https://api.x.ai/v1",
		defaultModel: "grok-3",
		models:       []string{"grok-3", "grok-3-mini"},
	},
	{
		name:         "glm",
		baseURL:      "https://open.bigmodel.cn/api/paas/v4",
		defaultModel: "glm-4",
		models:       []string{"glm-4", "glm-4-flash"},
	},
	{
		name:         "githubmodels",
		baseURL:      "https://models.inference.ai.azure.com",
		defaultModel: "gpt-4o-mini",
		models:       []string{"gpt-4o", "gpt-4o-mini", "o3-mini"},
		keyHeader:    "api-key",
	},
}

func init() {
	for _, v := range vendors {
		v := v
		llm.Register(v.name, func() llm.Provider {
			return &Provider{vendor: v, baseURL: v.baseURL}
		})
	}
}

// Provider speaks the OpenAI chat/completions protocol for one vendor.
type Provider struct {
	vendor          vendor
	apiKey          string
	baseURL         string
	client          *http.Client
	defaultModel    string
	availableModels []string
	headers         map[string]string
	// jsonMode 开启 response_format=json_object，输出会被包装成对象
	jsonMode        bool
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New(p.vendor.name + " api密钥未提供")
	}
	p.apiKey = apiKey
	p.client = llm.NewHTTPClient(config)

	p.defaultModel = p.vendor.defaultModel
	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	}
	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}
	p.baseURL = strings.TrimRight(p.baseURL, "/")

	p.headers = make(map[string]string, len(p.vendor.extraHeaders)+1)
	for k, v := range p.vendor.extraHeaders {
		p.headers[k] = v
	}
	if p.vendor.keyHeader != "" {
		p.headers[p.vendor.keyHeader] = p.apiKey
	} else {
		p.headers["Authorization"] = "Bearer " + p.apiKey
	}
	// openrouter 需要来源信息
	if referer := config["http_referer"]; referer != "" {
		p.headers["HTTP-Referer"] = referer
	}

	p.jsonMode = config["json_mode"] == "true"

	// 如果配置中包含自定义模型列表
	if customModels, exists := config["custom_models"]; exists && customModels != "" {
		var models []string
		if err := json.Unmarshal([]byte(customModels), &models); err == nil && len(models) > 0 {
			p.availableModels = models
		}
	}
	return nil
}

func (p *Provider) GetName() string {
	return p.vendor.name
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.vendor.models
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}
	if req.JSONOutput && p.jsonMode {
		requestBody["response_format"] = map[string]string{"type": "json_object"}
	}

	var response chatResponse
	if err := llm.PostJSON(ctx, p.client, p.GetName(), p.baseURL+"/chat/completions", p.headers, requestBody, &response); err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, errors.New(p.vendor.name + "未返回任何结果")
	}

	modelName := response.Model
	if modelName == "" {
		modelName = model
	}
	return &llm.CompletionResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		PromptTokens: response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		ModelName:    modelName,
		ProviderName: p.GetName(),
	}, nil
}
