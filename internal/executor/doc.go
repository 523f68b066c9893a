// Package executor is the tool execution boundary. Actions are routed by
// tool name to one of two HTTP JSON sinks: the web sink (search, fetch and
// browser automation) and the file/system sink (file operations and shell
// commands). Sinks never return Go errors; every failure becomes a
// ToolActionResult with Success=false so sibling actions keep running.
package executor
