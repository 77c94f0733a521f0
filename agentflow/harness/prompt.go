package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// SystemPrompt is the fixed instruction preamble sent with every model call.
const SystemPrompt = `You are AgentFlow, a highly skilled software engineer with extensive knowledge in many programming languages, frameworks, design patterns, and best practices to help users build their workflows.

## Version Management Rules:
1. When the user asks you to create or modify code, you MUST first use the ` + "`setup_new_version`" + ` tool to create a new version.
2. Use the ` + "`create_file`" + ` tool to create files in the new version. The version number will be provided by the setup_new_version tool.
3. After completing all file operations, you MUST use the ` + "`save_version`" + ` tool to save and finalize the version.

## Important Notes:
- Each user request should result in a new version with all the necessary files.
- Always create complete, working TypeScript workflow code following the structure:
  ` + "```typescript" + `
  export interface WorkflowContext {
    input: any;
    env: Record<string, string>;
  }

  export async function run(ctx: WorkflowContext): Promise<any> {
    // Implementation here
    return { success: true };
  }
  ` + "```"

// unexecutedToolResult answers a tool call that has no tool turn.
const unexecutedToolResult = `{"error":"tool call was not executed"}`

// PromptBuilder assembles model-ready inputs from system text, turns, and tools.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build flattens system + turns into a Provider PromptInput. Every assistant
// tool call is followed by exactly one tool message, in call order; calls
// that never ran get a synthetic error result that exists only in the prompt.
// Tool turns that answer no preceding call are dropped.
func (b *PromptBuilder) Build(system string, turns []Turn, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	norm := func(s string) string { return strings.ReplaceAll(s, "\r\n", "\n") }

	messages := make([]ports.PromptMessage, 0, len(turns))
	for i := 0; i < len(turns); i++ {
		t := turns[i]
		switch t.Role {
		case RoleUser:
			messages = append(messages, ports.PromptMessage{Role: string(RoleUser), Content: norm(t.Content)})

		case RoleAssistant:
			messages = append(messages, ports.PromptMessage{
				Role:      string(RoleAssistant),
				Content:   norm(t.Content),
				ToolCalls: t.Metadata.ToolCalls,
			})

			results := make(map[string]string)
			for i+1 < len(turns) && turns[i+1].Role == RoleTool {
				i++
				results[turns[i].Metadata.ToolCallID] = turns[i].Content
			}
			for _, call := range t.Metadata.ToolCalls {
				content, ok := results[call.ID]
				if !ok {
					content = unexecutedToolResult
				}
				messages = append(messages, ports.PromptMessage{
					Role:       string(RoleTool),
					Content:    content,
					ToolCallID: call.ID,
				})
			}
		}
	}

	return ports.PromptInput{
		System:   strings.TrimSpace(norm(system)),
		Messages: messages,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}
