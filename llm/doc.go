// Package llm provides a provider-neutral model for Large Language Model (LLM) calls.
//
// Every adapter under llm/ serializes into and out of the types defined here,
// so the orchestration engine (package llm/provider) never sees a vendor SDK type.
//
// # Core Concepts
//
//  1. Messages: a Message has a role (system, developer, user, assistant, tool)
//     and an ordered list of content blocks (text, image, document, tool use,
//     tool result, thinking). Messages have no identity beyond their position.
//
//  2. Tools: ToolSpec describes a tool offered to the model. ToolUseBlock and
//     ToolResultBlock carry one invocation and its result, correlated by ID.
//
//  3. Contexts: PromptContext and EmbedContext are what a caller supplies for one
//     logical call, including the ToolsFunction and StreamBroadcaster callbacks.
//
//  4. Responses: PromptResponse and EmbedResponse are built once at the end of a
//     resolve cycle. Their UsageStack keeps one Usage entry per API round.
//
//  5. Errors: Error classifies provider failures (rate limit, timeout, protocol,
//     validation, ...) and records whether retrying can help.
//
// Usage Example
//
//	resp, err := engine.Prompt(ctx, llm.PromptContext{
//	    Messages: []llm.Message{
//	        llm.NewTextMessage(llm.RoleUser, "Hello!"),
//	    },
//	})
//	fmt.Println(resp.Message().Text(), resp.Usage().TotalTokens)
package llm
