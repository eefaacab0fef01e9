package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the texts the agent sends to the model. None of them changes
// control flow; the loop only decides when each one is sent.
//
// Templates use {{name}} placeholders, rendered with Render.
type Policy struct {
	SystemPrompt            string `yaml:"system_prompt"`
	ExternalContextPreamble string `yaml:"external_context_preamble"`
	// Correction is sent when the model answers before the artifact quota is
	// met. Placeholders: {{remaining}}, {{quota}}.
	Correction         string `yaml:"correction"`
	PartialPlaceholder string `yaml:"partial_placeholder"`
	FallbackNarrative  string `yaml:"fallback_narrative"`
	// ResearchPrompt placeholders: {{urls}}.
	ResearchPrompt string `yaml:"research_prompt"`
	// ToolDescription placeholders: {{dataset_path}}.
	ToolDescription string `yaml:"tool_description"`
}

// DefaultPolicy returns the built-in analyst policy.
func DefaultPolicy() Policy {
	return Policy{
		SystemPrompt:            defaultSystemPrompt,
		ExternalContextPreamble: "External context from user-provided links (retrieved through the research bridge):\n\n",
		Correction:              defaultCorrection,
		PartialPlaceholder:      "(partial summary)",
		FallbackNarrative:       "The analysis completed, but the model returned a very short response. Please review the generated charts and logs for details.",
		ResearchPrompt:          defaultResearchPrompt,
		ToolDescription:         defaultToolDescription,
	}
}

// LoadPolicy reads a YAML policy file. Keys missing from the file keep their
// default text. An empty path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy %s: %w", path, err)
	}
	var override Policy
	if err := yaml.Unmarshal(data, &override); err != nil {
		return p, fmt.Errorf("parse policy %s: %w", path, err)
	}
	merge(&p.SystemPrompt, override.SystemPrompt)
	merge(&p.ExternalContextPreamble, override.ExternalContextPreamble)
	merge(&p.Correction, override.Correction)
	merge(&p.PartialPlaceholder, override.PartialPlaceholder)
	merge(&p.FallbackNarrative, override.FallbackNarrative)
	merge(&p.ResearchPrompt, override.ResearchPrompt)
	merge(&p.ToolDescription, override.ToolDescription)
	return p, nil
}

func merge(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

var placeholderRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render replaces {{name}} placeholders with values from vars. Unknown
// placeholders are left in place.
func Render(template string, vars map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

const defaultSystemPrompt = `You are a data analyst and report builder working inside a Python code sandbox.

The user's dataset is a CSV file at '{{dataset_path}}'. You can run Python against it with the "run_python" tool.

Rules:
- Your first response MUST be a run_python call that loads the CSV into a pandas DataFrame named df and prints df.head(), df.info() and df.describe(include="all").
- Then call run_python again to compute metrics: totals, averages, rates and rankings. Prefer numbers over vague statements.
- Then generate at least {{quota}} meaningful charts with matplotlib and call plt.show() for each one.
- You may not answer in natural language until at least {{quota}} charts exist. If you try, you will be asked to continue.

When a system message with external context is present, use its definitions and benchmarks and compare your KPIs against them where relevant.

Final report:
- Start with a "Key KPIs" section listing the most important metrics as bullet points with numbers.
- Add one subsection per chart, titled "Chart N - <title>", describing what it shows and its main numeric insights.`

const defaultCorrection = `You have not yet generated the required {{quota}} charts. Please continue the analysis:
- Use run_python to compute more metrics if needed
- Use run_python again to generate at least {{remaining}} additional visualizations with matplotlib and plt.show()
Remember to weave in the external context from the system messages where relevant.
Do not write a final report until all required charts are created.`

const defaultResearchPrompt = `You are a research assistant helping with a data-analysis report.

The user shared these URLs:
{{urls}}

Using ONLY the MCP research tool:
- Fetch the most relevant information from these URLs.
- Extract key stats, definitions and contextual points that help interpret the user's tabular data.
- Produce a concise, structured summary that can be embedded as external context in a data report.
Return markdown paragraphs and bullet points, no code.`

const defaultToolDescription = `Run Python code to analyze the CSV and generate charts.
The CSV is at '{{dataset_path}}'. Load it with pandas.read_csv.
Use matplotlib.pyplot as plt and ALWAYS call plt.show() for charts.`
