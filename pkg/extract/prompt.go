package extract

import "strings"

// ImagePrompt asks the vision collaborator for a receipt summary.
const ImagePrompt = `Read the receipt, invoice or payment proof in the image and answer with a single JSON object:
{"amount": <number>, "description": "<short description>", "type": "IN" | "OUT", "error": <bool>}
"type" is OUT for money spent and IN for money received. Set "error" to true and the other fields to zero values when the image is not a financial document.
If text appears between --- lines below, use it as the description.`

// BuildImagePrompt appends the user's caption between --- delimiters.
func BuildImagePrompt(base, caption string) string {
	hint := strings.TrimSpace(caption)
	if hint == "" {
		return base
	}

	return base + "\n---\n" + hint + "\n---"
}
