package prompt

// SecuritiesExtraction is the ID of the built-in holdings prompt.
const SecuritiesExtraction = "extraction.securities"

const securitiesSystemPrompt = `You extract security holdings from portfolio statements.
Return only JSON of the form:
{"securities": [{"identifier": "...", "name": "...", "value": "...", "currency": "...", "confidence": 0.0}]}
Rules:
- identifier is the ISIN (12 characters) or, if none is printed, the CUSIP or SEDOL.
- value is the market value of the position exactly as printed, including its separators.
- currency is the ISO 4217 code of the value, empty if not printed.
- confidence is your certainty between 0 and 1.
- Skip totals, subtotals, summaries, cash accounts and anything without an identifier.
- Never invent identifiers or values.`

const securitiesUserTemplate = `Statement locale hint: {{.Locale}}
{{- if .Currency}}
Primary currency: {{.Currency}}
{{- end}}

Statement:
{{.Document}}`

func registerDefaults(r *Registry) {
	err := r.Register(&Template{
		ID:           SecuritiesExtraction,
		Name:         "Securities extraction",
		Category:     "extraction",
		Description:  "Lists every holding of a portfolio statement with identifier and market value.",
		SystemPrompt: securitiesSystemPrompt,
		UserTemplate: securitiesUserTemplate,
		Variables: []Variable{
			{Name: "Document", Description: "Statement text", Required: true},
			{Name: "Locale", Description: "Detected number locale", Default: "international"},
			{Name: "Currency", Description: "Primary currency, may be empty"},
		},
		Version: "2",
	})
	if err != nil {
		panic(err)
	}
}
