package methods

var (
	taskExtractionPrompt = mustTemplate("task_extraction", `Given an AI agent's input, its final output and the tools it called, identify the task the user asked for and the outcome the agent actually achieved.

Input:
{{.Input}}
{{if .Calls}}
Tools called:
{{range .Calls}}{{.Index}}. {{.Name}}({{.Arguments}})
{{end}}{{end}}
Output:
{{.Output}}

Respond with a JSON object: {"task": "<the task>", "outcome": "<what was actually achieved>"}`)

	taskVerdictPrompt = mustTemplate("task_verdict", `Judge how completely the outcome fulfils the task.

Task:
{{.Task}}

Outcome:
{{.Outcome}}

Score 1 when the task is fully completed, 0 when it is not completed at all, and a value in between for partial completion.
Respond with a JSON object: {"score": <number between 0 and 1>, "reason": "<one or two sentences>"}`)

	toolVerdictPrompt = mustTemplate("tool_verdict", `Decide for each tool call whether calling that tool was the right choice for the user's request.

Input:
{{.Input}}
{{if .Available}}
Available tools: {{join .Available ", "}}
{{end}}
Tool calls:
{{range .Calls}}{{.Index}}. {{.Name}}
{{end}}
Respond with a JSON object: {"verdicts": [{"tool": "<name>", "correct": true|false, "reason": "<why>"}], "reason": "<overall summary>"}
Return exactly one verdict per tool call, in the same order.`)

	argumentVerdictPrompt = mustTemplate("argument_verdict", `Decide for each tool call whether its arguments are correct and complete for the user's request.

Input:
{{.Input}}

Tool calls:
{{range .Calls}}{{.Index}}. {{.Name}} with arguments {{.Arguments}}
{{end}}
Respond with a JSON object: {"verdicts": [{"tool": "<name>", "correct": true|false, "reason": "<why>"}], "reason": "<overall summary>"}
Return exactly one verdict per tool call, in the same order.`)

	contextVerdictPrompt = mustTemplate("context_verdict", `Decide for each retrieval context node whether it was useful in producing the {{if .Expected}}expected output{{else}}answer{{end}} to the input.

Input:
{{.Input}}

{{if .Expected}}Expected output:
{{.Expected}}{{else}}Answer:
{{.Output}}{{end}}

Context nodes:
{{range $i, $node := .Nodes}}{{add $i 1}}. {{$node}}
{{end}}
Respond with a JSON object: {"verdicts": [{"verdict": "yes"|"no", "reason": "<why>"}]}
Return exactly one verdict per node, in the same order.`)
)
