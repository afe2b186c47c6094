package biz

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"
)

// 模板名称。意图模板使用意图名的小写形式。
const (
	PromptFallback  = "fallback"
	PromptContext   = "context"
	PromptSystem    = "system"
	PromptFollowUps = "followups"
)

// ContextItem 上下文中的一条资料。
type ContextItem struct {
	ID        string
	Title     string
	Standard  string
	Source    string
	Relevance float64
	Content   string
	Relations []Relationship
}

// PromptData 模板渲染数据。
type PromptData struct {
	Query    string
	Intent   Intent
	Language string
	Entities Entities
	Controls []ContextItem
	Mappings []ContextItem
	Chunks   []ContextItem
	Answer   string
	Max      int
}

const defaultContextTemplate = `{{- if .Controls}}
## Controls
{{- range .Controls}}
- [{{.ID}}]{{if .Standard}} ({{.Standard}}){{end}} {{.Title}}
  {{.Content | trim}}
{{- end}}
{{- end}}
{{- if .Mappings}}
## Mappings
{{- range .Mappings}}
- [{{.ID}}] {{.Title}}{{range .Relations}} | {{.Source}} {{.Type}} {{.Target}}{{end}}
{{- end}}
{{- end}}
{{- if .Chunks}}
## Documents
{{- range $i, $c := .Chunks}}
[{{add1 $i}}]{{if $c.Standard}} ({{$c.Standard}}){{end}} {{$c.Content | trim}}
{{- end}}
{{- end}}`

var defaultPrompts = map[string]string{
	PromptSystem: `You are a compliance knowledge assistant for information security standards (BSI IT-Grundschutz, BSI C5, ISO 27001, NIST 800-53).
Answer only from the provided context. Cite control IDs in square brackets. Answer in {{if eq .Language "de"}}German{{else}}English{{end}}.`,

	PromptContext: defaultContextTemplate,

	strings.ToLower(string(IntentSpecificControl)): `Explain the control(s) {{.Entities.Controls | join ", "}}: objective, concrete requirements and typical implementation.
{{template "context" .}}

Question: {{.Query}}`,

	strings.ToLower(string(IntentComplianceRequirement)): `List the requirements that apply{{if .Entities.Standards}} under {{.Entities.Standards | join ", "}}{{end}}. Group them by control and state what evidence an auditor expects.
{{template "context" .}}

Question: {{.Query}}`,

	strings.ToLower(string(IntentTechnicalImplementation)): `Give step-by-step implementation guidance{{if .Entities.Technologies}} for {{.Entities.Technologies | join ", "}}{{end}}. Name the controls each step satisfies.
{{template "context" .}}

Question: {{.Query}}`,

	strings.ToLower(string(IntentComparison)): `Compare {{if .Entities.Standards}}{{.Entities.Standards | join " and "}}{{else}}the standards in question{{end}}. Show equivalent controls side by side and point out gaps.
{{template "context" .}}

Question: {{.Query}}`,

	strings.ToLower(string(IntentBestPractice)): `Recommend proven practices. Separate mandatory requirements from recommendations.
{{template "context" .}}

Question: {{.Query}}`,

	strings.ToLower(string(IntentGeneralInformation)): `Give a concise overview.
{{template "context" .}}

Question: {{.Query}}`,

	PromptFallback: `{{template "context" .}}

Question: {{.Query}}`,

	PromptFollowUps: `Suggest up to {{.Max}} short follow-up questions a compliance officer might ask next, in {{if eq .Language "de"}}German{{else}}English{{end}}.
Return a JSON array of strings.

Question: {{.Query}}
Answer: {{.Answer | trunc 1500}}`,
}

// PromptRegistry 提示词模板注册表，支持从 YAML 覆盖。
type PromptRegistry struct {
	mu      sync.RWMutex
	tmpl    *template.Template
	sources map[string]string
}

// NewPromptRegistry 使用内置模板创建注册表。
func NewPromptRegistry() *PromptRegistry {
	r := &PromptRegistry{}
	if err := r.apply(nil); err != nil {
		// 内置模板在编译期固定，解析失败属于程序错误
		panic(err)
	}
	return r
}

func (r *PromptRegistry) apply(overrides map[string]string) error {
	sources := make(map[string]string, len(defaultPrompts)+len(overrides))
	for k, v := range defaultPrompts {
		sources[k] = v
	}
	for k, v := range overrides {
		sources[strings.ToLower(strings.TrimSpace(k))] = v
	}

	root := template.New("prompts").Option("missingkey=error").Funcs(sprig.TxtFuncMap())
	names := make([]string, 0, len(sources))
	for k := range sources {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := root.New(name).Parse(sources[name]); err != nil {
			return fmt.Errorf("parse prompt %q: %w", name, err)
		}
	}

	r.mu.Lock()
	r.tmpl = root
	r.sources = sources
	r.mu.Unlock()
	return nil
}

// LoadFile 从 YAML 文件（name: template）加载覆盖模板。解析失败时保留当前模板。
func (r *PromptRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	return r.LoadYAML(data)
}

// LoadYAML 从 YAML 内容加载覆盖模板。
func (r *PromptRegistry) LoadYAML(data []byte) error {
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("decode prompt yaml: %w", err)
	}
	return r.apply(overrides)
}

// Has 是否存在该模板。
func (r *PromptRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[name]
	return ok
}

// Names 返回全部模板名称（已排序）。
func (r *PromptRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for k := range r.sources {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Render 渲染指定模板。
func (r *PromptRegistry) Render(name string, data any) (string, error) {
	r.mu.RLock()
	tmpl := r.tmpl
	r.mu.RUnlock()

	t := tmpl.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("prompt %q not found", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// IntentPromptName 返回意图对应的模板名，模板缺失时返回兜底模板。
func (r *PromptRegistry) IntentPromptName(intent Intent) string {
	name := strings.ToLower(string(intent))
	if r.Has(name) {
		return name
	}
	return PromptFallback
}
