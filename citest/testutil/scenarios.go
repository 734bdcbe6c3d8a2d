package testutil

// DefaultScenarios drive the script engine in the citest suites.
const DefaultScenarios = `
scenarios:
  - match: "list files"
    sessionId: engine-list
    steps:
      - text: "Let me check. "
      - tool: Bash
        input: {command: "ls -la"}
        onAllow: "There are 3 files."
        onDeny: "I was not allowed to list the files."
    usage: {inputTokens: 120, outputTokens: 30}
    costUsd: 0.0015
  - match: "slow task"
    steps:
      - tool: Bash
        input: {command: "make build"}
        onAllow: "Built."
        onDeny: "Stopped."
      - delay: 5s
      - text: "should not be reached"
  - match: "two tools"
    steps:
      - tool: Read
        input: {file_path: "README.md"}
        onAllow: "read "
      - tool: Read
        input: {file_path: "go.mod"}
        onAllow: "read again"
`
