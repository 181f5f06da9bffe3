package main

// Output format constants.
const (
	jsonFormat = "json"
	yamlFormat = "yaml"
	textFormat = "text"
)

// Fallbacks used when neither flags nor the workflow file name them.
const (
	defaultAgentType = "workflow"
	defaultUserID    = "cli"
)
