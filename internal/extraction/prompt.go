package extraction

import (
	"fmt"
	"strings"
)

const extractionPrompt = `En tant qu'expert juridique spécialisé dans le droit successoral français, analysez le texte suivant qui provient d'une page sur "%s" (%s).

Extrayez toutes les clauses et règles importantes et retournez UNIQUEMENT un objet JSON de la forme :

{
  "clauses": [
    {
      "type": "type_de_clause",
      "title": "titre court et descriptif",
      "text": "description complète et claire de la règle",
      "explanation": "explication pratique de sa portée",
      "conditions": ["condition requise"],
      "exceptions": ["exception ou cas particulier"],
      "references": ["Article XXX du Code civil"],
      "keywords": ["mot-clé"]
    }
  ]
}

IMPORTANT :
1. Les champs title, text, explanation, conditions et exceptions sont obligatoires.
2. Utilisez des listes vides plutôt que d'omettre un champ.
3. Si le texte ne contient aucune clause, retournez {"clauses": []}.
4. N'incluez aucun commentaire ni texte hors de l'objet JSON.

Voici le texte à analyser :

%s`

// TruncateRunes cuts s to at most limit runes. A non-positive limit disables truncation.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// BuildPrompt renders the extraction prompt for one chunk.
func BuildPrompt(title, sourceURL, text string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "sans titre"
	}
	return fmt.Sprintf(extractionPrompt, title, sourceURL, text)
}
