package pact

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Pact is a contract between one consumer and one provider. It is decoded once
// from the raw pact document and never mutated afterwards.
type Pact struct {
	consumerVersion string
	pactVersion     string
	tags            Tags
	document        map[string]interface{}
	consumer        string
	provider        string
	interactions    []Interaction
}

// New builds a Pact from an already decoded pact document. Interactions and
// participant names are derived here so that repeated access is cheap.
func New(consumerVersion, pactVersion string, tags Tags, document map[string]interface{}) (*Pact, error) {
	if document == nil {
		return nil, errors.New("unable to parse pact, document is empty")
	}

	consumer, err := participantName(document, "consumer")
	if err != nil {
		return nil, err
	}
	provider, err := participantName(document, "provider")
	if err != nil {
		return nil, err
	}

	interactions, err := decodeInteractions(document)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse pact between %s and %s", consumer, provider)
	}

	return &Pact{
		consumerVersion: consumerVersion,
		pactVersion:     pactVersion,
		tags:            tags.Union(nil),
		document:        document,
		consumer:        consumer,
		provider:        provider,
		interactions:    interactions,
	}, nil
}

// Parse decodes a raw pact JSON document.
func Parse(data []byte, consumerVersion, pactVersion string, tags Tags) (*Pact, error) {
	document := make(map[string]interface{})
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, errors.Wrap(err, "unable to parse pact document")
	}
	return New(consumerVersion, pactVersion, tags, document)
}

func participantName(document map[string]interface{}, role string) (string, error) {
	participant, ok := document[role].(map[string]interface{})
	if !ok {
		return "", errors.Errorf("unable to parse pact, no %s defined", role)
	}
	name, ok := participant["name"].(string)
	if !ok || name == "" {
		return "", errors.Errorf("unable to parse pact, %s has no name", role)
	}
	return name, nil
}

func (p *Pact) ConsumerName() string { return p.consumer }
func (p *Pact) ProviderName() string { return p.provider }
func (p *Pact) ConsumerVersion() string { return p.consumerVersion }
func (p *Pact) PactVersion() string { return p.pactVersion }

// Tags returns a copy of the consumer-version tags the pact was fetched under.
func (p *Pact) Tags() Tags {
	return p.tags.Union(nil)
}

// Interactions returns a deep copy of the interactions in the order they
// appear in the pact.
func (p *Pact) Interactions() []Interaction {
	interactions := make([]Interaction, len(p.interactions))
	for i, interaction := range p.interactions {
		interactions[i] = interaction.Clone()
	}
	return interactions
}

// Document returns a deep copy of the raw pact document the pact was decoded
// from.
func (p *Pact) Document() map[string]interface{} {
	document, _ := cloneValue(p.document).(map[string]interface{})
	return document
}

// WithTags returns a copy of the pact carrying the given tags.
func (p *Pact) WithTags(tags Tags) *Pact {
	c := *p
	c.tags = tags.Union(nil)
	return &c
}

func (p *Pact) String() string {
	return "pact between consumer \"" + p.consumer + "\" and provider \"" + p.provider + "\""
}
