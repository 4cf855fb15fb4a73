package skill

import v1 "github.com/opencode/sandbox/pkg/api/v1"

// DefaultSkills returns the skill documents registered at construction.
func DefaultSkills() []*v1.Skill {
	return []*v1.Skill{
		{
			Name:        "commit-message",
			Description: "Write a conventional commit message for the staged changes.",
			Template: "Write a commit message for the following diff.\n" +
				"Use the conventional commit format (type(scope): subject).\n" +
				"Keep the subject under 72 characters.\n\n" +
				"Diff:\n{{diff}}\n",
			Source: v1.SkillSourceBuiltin,
		},
		{
			Name:        "code-review",
			Description: "Review a change for correctness, style and missed edge cases.",
			Template: "Review the following change to {{repository}}.\n" +
				"Point out bugs, unhandled edge cases and style issues.\n" +
				"Be specific, reference file and line where possible.\n\n" +
				"{{diff}}\n",
			Source: v1.SkillSourceBuiltin,
		},
		{
			Name:        "fix-build",
			Description: "Diagnose and fix a failing build from its log output.",
			Template: "The build for {{repository}} on branch {{branch}} failed.\n" +
				"Diagnose the failure from the log below and fix it.\n\n" +
				"Build log:\n{{log}}\n",
			Source: v1.SkillSourceBuiltin,
		},
		{
			Name:        "summarize-session",
			Description: "Summarize what changed during a working session.",
			Template: "Summarize the work done in this session for a teammate.\n" +
				"List the files touched and the intent behind each change.\n\n" +
				"Changes:\n{{changes}}\n",
			Source: v1.SkillSourceBuiltin,
		},
	}
}
