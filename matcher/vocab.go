package matcher

// Vocabulary is the immutable token configuration the matcher is built
// with. Vocabularies are data, not code: they are injected at construction
// so they can be versioned and tested independently.
type Vocabulary struct {
	// Synonyms collapses linguistically equivalent tokens to a canonical
	// form before any filtering ("origenes" -> "origins").
	Synonyms map[string]string
	// SeriesSpecific are line/collection names that disambiguate variants.
	// They survive stop-word removal and carry the highest weight.
	SeriesSpecific map[string]struct{}
	// SeriesGeneric are brand umbrella tokens. They also survive stop-word
	// removal but carry no extra weight.
	SeriesGeneric map[string]struct{}
	// Identity are character names. A disjoint identity set on both sides
	// vetoes a match outright.
	Identity map[string]struct{}
	// StopWords are generic marketing and packaging tokens.
	StopWords map[string]struct{}
}

// seriesAll reports whether t belongs to either series set.
func (v *Vocabulary) seriesAll(t string) bool {
	if _, ok := v.SeriesSpecific[t]; ok {
		return true
	}
	_, ok := v.SeriesGeneric[t]
	return ok
}

func (v *Vocabulary) weight(t string) float64 {
	if _, ok := v.SeriesSpecific[t]; ok {
		return 10
	}
	if _, ok := v.Identity[t]; ok {
		return 5
	}
	return 1
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// DefaultVocabulary returns the curated vocabulary for the vintage-toy
// catalog this system tracks.
func DefaultVocabulary() *Vocabulary {
	return &Vocabulary{
		Synonyms: map[string]string{
			"tmnt":     "turtles",
			"motu":     "masters",
			"universe": "masters",
			"origenes": "origins",
		},
		SeriesSpecific: set(
			"origins", "masterverse", "cgi", "netflix", "filmation", "200x",
			"vintage", "commemorative", "turtles", "grayskull", "stranger",
			"things", "cartoon", "collection", "sun", "man", "engineering",
			"art", "classics", "revelation", "revolution", "mondo", "super7",
		),
		SeriesGeneric: set("tmnt", "motu", "masters"),
		Identity: set(
			"skeletor", "teela", "heman", "manatarms", "beastman", "trapjaw",
			"evillyn", "fisto", "ramman", "orko", "stratos", "merman", "jitsu",
			"triklops", "hordak", "shera",
		),
		StopWords: set(
			"mattel", "figure", "figura", "action", "toy", "juguete", "cm",
			"inch", "wave", "deluxe", "collection", "collector", "edicion",
			"edition", "new", "nuevo", "caja", "box", "original", "authentic",
			"super7", "reaction", "pop", "funko", "vinyl", "of", "the", "del",
			"de", "y", "and", "comprar", "venta", "oferta", "precio", "barato",
			"envio", "gratis",
		),
	}
}
