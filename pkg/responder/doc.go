// Package responder produces AI replies and file analyses for the protocol
// engine.
//
// The engine treats a Gateway as opaque and slow: every call carries a
// deadline, a deadline overrun is reported as gateway_timeout and any other
// failure as gateway_failure. LLMGateway adapts a chat-completion Provider
// (Anthropic, OpenAI or the offline echo provider) to that contract.
package responder
