// Package config loads the agentchat configuration.
//
// Configuration is JSON with comments (JSONC) and is merged from, in increasing
// priority:
//
//  1. the global file in the XDG config directory (~/.config/agentchat/agentchat.json[c])
//  2. agentchat.json[c] in the working directory
//  3. .agentchat/agentchat.json[c] in the working directory
//  4. the file named by AGENTCHAT_CONFIG
//  5. inline JSON in AGENTCHAT_CONFIG_CONTENT
//  6. environment overrides (AGENTCHAT_ENGINE, AGENTCHAT_MODEL, AGENTCHAT_STORE,
//     AGENTCHAT_APPROVAL_TIMEOUT, AGENTCHAT_CLAUDE_PATH and provider API keys)
//
// String values may reference {env:NAME} and {file:path} placeholders; file
// paths are resolved relative to the directory of the file that mentions them.
//
// A Watcher re-reads the configuration when one of the files changes and hands
// the result to a callback, which the server uses to adjust the approval
// timeout and always-allow scope without a restart.
package config
