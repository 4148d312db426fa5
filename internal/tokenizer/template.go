package tokenizer

import "github.com/samcharles93/qkernel/internal/tplparser"

// RenderPromptTemplate renders messages with a built-in renderer chosen by
// arch or by markers found in the template string; the template itself is
// not executed.
func RenderPromptTemplate(tpl, bosToken, eosToken string, addBOS bool, msgs []Message, tools []any, addGenerationPrompt bool, arch string) (string, bool, error) {
	return tplparser.Render(tplparser.RenderOptions{
		Template:            tpl,
		Arch:                arch,
		BOSToken:            bosToken,
		EOSToken:            eosToken,
		AddBOS:              addBOS,
		AddGenerationPrompt: addGenerationPrompt,
		Messages:            msgs,
		Tools:               tools,
	})
}
