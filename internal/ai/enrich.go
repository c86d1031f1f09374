package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/marion/aap-watch/internal/ingest"
	"github.com/marion/aap-watch/internal/models"
)

// ExtractedFields is the structured output expected from the model.
// Everything is optional; the enricher only fills fields the connector
// left empty.
type ExtractedFields struct {
	DateLimiteISO string   `json:"date_limite_iso"`
	Organisme     string   `json:"organisme"`
	Resume        string   `json:"resume"`
	Categories    []string `json:"categories"`
	PublicCible   []string `json:"public_cible"`
	PerimetreGeo  string   `json:"perimetre_geo"`
	MontantMin    float64  `json:"montant_min"`
	MontantMax    float64  `json:"montant_max"`
}

// Enricher implements ingest.Enricher on top of a Generator. The model
// reads the record's free text and proposes values for missing fields;
// proposals that fail validation (bad date, category outside the
// taxonomy) are discarded field by field.
type Enricher struct {
	gen Generator
}

func NewEnricher(gen Generator) *Enricher {
	return &Enricher{gen: gen}
}

var _ ingest.Enricher = (*Enricher)(nil)

func (e *Enricher) Enrich(ctx context.Context, raw ingest.RawAAP) (ingest.RawAAP, error) {
	text := raw.Description
	if text == "" {
		text = raw.Resume
	}
	if strings.TrimSpace(text) == "" {
		return raw, nil
	}
	text = ingest.TruncateText(text, 6000)

	prompt := buildExtractionPrompt(raw.Titre, raw.URLSource, text)

	// JSON mode first; plain text with balanced-brace extraction as a
	// fallback for models that ignore the format flag.
	resp, err := e.gen.GenerateCompletion(ctx, prompt, true)
	if err == nil {
		if fields, parseErr := parseModelResponse(resp); parseErr == nil {
			return applyFields(raw, fields), nil
		} else {
			log.Printf("[ai] json mode unparseable, retrying in text mode: %v", parseErr)
		}
	} else {
		log.Printf("[ai] json mode failed, retrying in text mode: %v", err)
	}

	resp, err = e.gen.GenerateCompletion(ctx, prompt, false)
	if err != nil {
		return raw, err
	}
	fields, err := parseModelResponse(resp)
	if err != nil {
		return raw, fmt.Errorf("unparseable model output: %w", err)
	}
	return applyFields(raw, fields), nil
}

func buildExtractionPrompt(titre, url, text string) string {
	return fmt.Sprintf(`Tu es un analyste spécialisé dans les appels à projets. Extrais les informations structurées du texte suivant au format JSON.

Entrée :
Titre : %s
URL : %s
Texte :
%s

Consignes :
1. date_limite_iso : la date limite de candidature au format AAAA-MM-JJ, ou null si absente. Ne jamais inventer une date.
2. organisme : le nom de l'organisme porteur, tel qu'il apparaît dans le texte.
3. resume : un résumé neutre de 1 à 2 phrases en français.
4. categories : 1 à 3 valeurs parmi : %s.
5. public_cible : les types de structures éligibles cités dans le texte.
6. perimetre_geo : le territoire concerné tel que cité (ville, département, région...).
7. montant_min / montant_max : montants en euros, 0 si non précisés.

Schéma JSON :
{
  "date_limite_iso": "AAAA-MM-JJ ou null",
  "organisme": "string",
  "resume": "string",
  "categories": ["string"],
  "public_cible": ["string"],
  "perimetre_geo": "string",
  "montant_min": number,
  "montant_max": number
}

Réponds UNIQUEMENT avec l'objet JSON.`, titre, url, text, categorySlugList())
}

func categorySlugList() string {
	slugs := make([]string, 0, len(models.AllCategories))
	for _, c := range models.AllCategories {
		slugs = append(slugs, string(c))
	}
	return strings.Join(slugs, ", ")
}

// applyFields overlays validated model output onto the raw record,
// never overwriting what the connector already extracted.
func applyFields(raw ingest.RawAAP, fields *ExtractedFields) ingest.RawAAP {
	if raw.DateLimite == "" && fields.DateLimiteISO != "" {
		if _, err := time.Parse("2006-01-02", fields.DateLimiteISO); err == nil {
			raw.DateLimite = fields.DateLimiteISO
		} else {
			log.Printf("[ai] discarding invalid date_limite_iso %q", fields.DateLimiteISO)
		}
	}
	if raw.Organisme == "" {
		raw.Organisme = strings.TrimSpace(fields.Organisme)
	}
	if raw.Resume == "" {
		raw.Resume = strings.TrimSpace(fields.Resume)
	}
	if len(raw.Categories) == 0 {
		for _, c := range fields.Categories {
			slug := strings.TrimSpace(strings.ToLower(c))
			if _, ok := models.ParseCategory(slug); ok {
				raw.Categories = append(raw.Categories, slug)
			} else {
				log.Printf("[ai] discarding category %q outside taxonomy", c)
			}
		}
	}
	if len(raw.PublicCible) == 0 {
		for _, p := range fields.PublicCible {
			if s := strings.TrimSpace(p); s != "" {
				raw.PublicCible = append(raw.PublicCible, s)
			}
		}
	}
	if raw.PerimetreGeo == "" {
		raw.PerimetreGeo = strings.TrimSpace(fields.PerimetreGeo)
	}
	if raw.MontantMin == nil && fields.MontantMin > 0 {
		v := fields.MontantMin
		raw.MontantMin = &v
	}
	if raw.MontantMax == nil && fields.MontantMax > 0 {
		v := fields.MontantMax
		raw.MontantMax = &v
	}
	return raw
}

func parseModelResponse(resp string) (*ExtractedFields, error) {
	cleaned := strings.TrimSpace(resp)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	if jsonStr, ok := extractFirstJSONObject(cleaned); ok {
		cleaned = jsonStr
	}

	var fields ExtractedFields
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, err
	}
	return &fields, nil
}

// extractFirstJSONObject finds the first outermost balanced {...}.
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if !inString {
			switch char {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}

	return "", false
}
