package classifier

import (
	"regexp"
	"strings"

	"github.com/jbrukh/bayesian"
)

const (
	classDues  bayesian.Class = "dues"
	classNoise bayesian.Class = "noise"
)

var tokenPattern = regexp.MustCompile(`[a-z]{3,}`)

// Sample is one labelled description from the verification history
type Sample struct {
	Description string
	Dues        bool
}

// Model is a naive Bayes model over description tokens. A Model is never
// mutated after TrainModel returns.
type Model struct {
	cl    *bayesian.Classifier
	dues  int
	noise int
}

// Tokenize lower-cases a description and returns its alphabetic tokens
func Tokenize(description string) []string {
	return tokenPattern.FindAllString(strings.ToLower(description), -1)
}

// TrainModel learns a model from verified (dues) and omitted (noise)
// descriptions. Samples without tokens are ignored.
func TrainModel(samples []Sample) *Model {
	m := &Model{cl: bayesian.NewClassifier(classDues, classNoise)}
	for _, s := range samples {
		tokens := Tokenize(s.Description)
		if len(tokens) == 0 {
			continue
		}
		if s.Dues {
			m.cl.Learn(tokens, classDues)
			m.dues++
		} else {
			m.cl.Learn(tokens, classNoise)
			m.noise++
		}
	}
	return m
}

// Counts returns the number of dues and noise samples learned
func (m *Model) Counts() (dues, noise int) {
	return m.dues, m.noise
}

// Predict returns whether the description looks like dues and the posterior
// of that class. ok is false until each class has at least minSamples
// samples or when the description has no tokens.
func (m *Model) Predict(description string, minSamples int) (dues bool, probability float64, ok bool) {
	if m == nil || m.dues < minSamples || m.noise < minSamples {
		return false, 0, false
	}
	tokens := Tokenize(description)
	if len(tokens) == 0 {
		return false, 0, false
	}

	scores, likely, _ := m.cl.ProbScores(tokens)
	return likely == 0, scores[likely], true
}
