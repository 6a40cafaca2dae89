package synth

import (
	"fmt"

	"codeloop/internal/prompt"
)

func generateSpec(baseImage, runCommand string) prompt.Spec {
	return prompt.Spec{
		Purpose:    "You are an autonomous coding agent. Write a complete, runnable project that performs the task in INPUT and satisfies its test conditions.",
		Background: "The project is built from its Dockerfile and then run in an isolated sandbox with no network access. Its captured output is checked against the test conditions.",
		OutputFields: []prompt.Field{
			{Name: "dockerfile", Type: "string", Required: true, Description: "Dockerfile that builds the runtime environment."},
			{Name: "files", Type: "array of {filename, content}", Required: true, Description: "Every source and dependency file the project needs."},
		},
		Constraints: []string{
			fmt.Sprintf("The Dockerfile must start with 'FROM %s'.", baseImage),
			fmt.Sprintf("The project is started with `%s` from the project root.", runCommand),
			"File names are relative paths without '..' segments.",
			"List dependencies in requirements.txt or pyproject.toml when they are needed.",
		},
		Rules: []string{
			"Return every file in full.",
			"Do not wrap the JSON in markdown.",
		},
		OutputFormat: "JSON only, matching the output schema.",
		Examples: []prompt.Example{{
			InputJSON: `{"task": "print hello", "test_conditions": "prints hello"}`,
			OutputJSON: fmt.Sprintf(`{"dockerfile": "FROM %s\nWORKDIR /app\nCOPY . .\n", "files": [{"filename": "main.py", "content": "print(\"hello\")\n"}]}`,
				baseImage),
		}},
	}
}

func validateSpec(baseImage string) prompt.Spec {
	return prompt.Spec{
		Purpose:    "Decide whether the project's captured output meets every test condition. If it does not, fix the project.",
		Background: "INPUT holds the test conditions, the current Dockerfile, every project file and the output of the last run. A failing build or run shows up as its error output.",
		OutputFields: []prompt.Field{
			{Name: "result", Type: "boolean", Required: true, Description: "true only if all test conditions are met."},
			{Name: "dockerfile", Type: "string or null", Required: true, Description: "Replacement Dockerfile, or null to keep the current one."},
			{Name: "files", Type: "array of {filename, content} or null", Required: true, Description: "Only files that change or are added, each in full."},
		},
		Rules: []string{
			`If all test conditions are met return {"result": true, "dockerfile": null, "files": null}.`,
			"Otherwise return result false with the changes that make the conditions pass.",
			"Never return files that do not change.",
			fmt.Sprintf("A replacement Dockerfile must start with 'FROM %s'.", baseImage),
		},
		OutputFormat: "JSON only, matching the output schema.",
	}
}
