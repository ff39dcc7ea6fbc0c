package pact

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Request struct {
	Headers map[string]string
	Path    string
	Method  string
	Query   url.Values
	Body    interface{}
}

type Response struct {
	Headers       map[string]string
	Status        int
	Body          interface{}
	MatchingRules map[string]interface{}
}

// ProviderState is a named precondition. Params is never nil.
type ProviderState struct {
	Descriptor string
	Params     map[string]interface{}
}

// ParamNames returns the supplied parameter names in lexical order.
func (s ProviderState) ParamNames() []string {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Interaction struct {
	Description    string
	Request        Request
	Response       Response
	ProviderStates []ProviderState
}

// Clone returns a copy sharing no maps, slices or bodies with i.
func (i Interaction) Clone() Interaction {
	c := Interaction{
		Description: i.Description,
		Request:     i.Request.Clone(),
		Response:    i.Response.Clone(),
	}
	if i.ProviderStates != nil {
		c.ProviderStates = make([]ProviderState, len(i.ProviderStates))
		for n, state := range i.ProviderStates {
			params, _ := cloneValue(state.Params).(map[string]interface{})
			c.ProviderStates[n] = ProviderState{Descriptor: state.Descriptor, Params: params}
		}
	}
	return c
}

func (r Request) Clone() Request {
	c := r
	c.Headers = cloneHeaders(r.Headers)
	c.Body = cloneValue(r.Body)
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = append([]string(nil), v...)
		}
	}
	return c
}

func (r Response) Clone() Response {
	c := r
	c.Headers = cloneHeaders(r.Headers)
	c.Body = cloneValue(r.Body)
	c.MatchingRules, _ = cloneValue(r.MatchingRules).(map[string]interface{})
	return c
}

func cloneHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	c := make(map[string]string, len(headers))
	for k, v := range headers {
		c[k] = v
	}
	return c
}

// cloneValue deep copies a decoded JSON value.
func cloneValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		if value == nil {
			return value
		}
		c := make(map[string]interface{}, len(value))
		for k, item := range value {
			c[k] = cloneValue(item)
		}
		return c
	case []interface{}:
		if value == nil {
			return value
		}
		c := make([]interface{}, len(value))
		for n, item := range value {
			c[n] = cloneValue(item)
		}
		return c
	default:
		return v
	}
}

func decodeInteractions(document map[string]interface{}) ([]Interaction, error) {
	raw, ok := document["interactions"]
	if !ok || raw == nil {
		return []Interaction{}, nil
	}
	rawInteractions, ok := raw.([]interface{})
	if !ok {
		return nil, errors.New("interactions is not a list")
	}

	interactions := make([]Interaction, 0, len(rawInteractions))
	for i, r := range rawInteractions {
		definition, ok := r.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("interaction %d is not an object", i)
		}
		interaction, err := decodeInteraction(definition)
		if err != nil {
			return nil, errors.Wrapf(err, "interaction %d", i)
		}
		interactions = append(interactions, interaction)
	}
	return interactions, nil
}

func decodeInteraction(definition map[string]interface{}) (Interaction, error) {
	description, _ := definition["description"].(string)

	request, ok := definition["request"].(map[string]interface{})
	if !ok {
		return Interaction{}, errors.New("unable to parse interaction definition, no request defined")
	}
	response, ok := definition["response"].(map[string]interface{})
	if !ok {
		return Interaction{}, errors.New("unable to parse interaction definition, no response defined")
	}

	req, err := decodeRequest(request)
	if err != nil {
		return Interaction{}, err
	}
	res, err := decodeResponse(response)
	if err != nil {
		return Interaction{}, err
	}
	states, err := decodeProviderStates(definition)
	if err != nil {
		return Interaction{}, err
	}

	return Interaction{
		Description:    description,
		Request:        req,
		Response:       res,
		ProviderStates: states,
	}, nil
}

func decodeRequest(request map[string]interface{}) (Request, error) {
	path, ok := request["path"].(string)
	if !ok {
		return Request{}, errors.New("unable to parse request, no path defined")
	}
	method, ok := request["method"].(string)
	if !ok {
		return Request{}, errors.New("unable to parse request, no method defined")
	}
	headers, err := decodeHeaders(request["headers"])
	if err != nil {
		return Request{}, errors.Wrap(err, "unable to parse request headers")
	}
	query, err := decodeQuery(request["query"])
	if err != nil {
		return Request{}, errors.Wrap(err, "unable to parse request query")
	}

	return Request{
		Headers: headers,
		Path:    path,
		Method:  strings.ToUpper(method),
		Query:   query,
		Body:    request["body"],
	}, nil
}

func decodeResponse(response map[string]interface{}) (Response, error) {
	status, ok := response["status"].(float64)
	if !ok {
		return Response{}, errors.New("unable to parse response, no status defined")
	}
	headers, err := decodeHeaders(response["headers"])
	if err != nil {
		return Response{}, errors.Wrap(err, "unable to parse response headers")
	}

	var rules map[string]interface{}
	if raw, ok := response["matchingRules"]; ok && raw != nil {
		if rules, ok = raw.(map[string]interface{}); !ok {
			return Response{}, errors.New("incorrect format of response matchingRules")
		}
	}

	return Response{
		Headers:       headers,
		Status:        int(status),
		Body:          response["body"],
		MatchingRules: rules,
	}, nil
}

// decodeHeaders accepts single string values and, as written by newer pact
// libraries, lists of values which are joined with a comma.
func decodeHeaders(raw interface{}) (map[string]string, error) {
	headers := make(map[string]string)
	if raw == nil {
		return headers, nil
	}
	parsed, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.New("incorrect format of headers")
	}
	for name, value := range parsed {
		switch v := value.(type) {
		case string:
			headers[name] = v
		case []interface{}:
			values := make([]string, 0, len(v))
			for _, item := range v {
				values = append(values, fmt.Sprintf("%v", item))
			}
			headers[name] = strings.Join(values, ", ")
		default:
			headers[name] = fmt.Sprintf("%v", v)
		}
	}
	return headers, nil
}

// decodeQuery handles the v2 query string form and the v3 map form.
func decodeQuery(raw interface{}) (url.Values, error) {
	query := url.Values{}
	switch q := raw.(type) {
	case nil:
		return query, nil
	case string:
		return url.ParseQuery(q)
	case map[string]interface{}:
		for name, value := range q {
			switch v := value.(type) {
			case []interface{}:
				for _, item := range v {
					query.Add(name, fmt.Sprintf("%v", item))
				}
			default:
				query.Add(name, fmt.Sprintf("%v", v))
			}
		}
		return query, nil
	}
	return nil, errors.New("incorrect format of query")
}

// decodeProviderStates reads v3 "providerStates" entries, falling back to
// the v2 single "providerState" string.
func decodeProviderStates(definition map[string]interface{}) ([]ProviderState, error) {
	states := []ProviderState{}

	raw, ok := definition["providerStates"]
	if !ok || raw == nil {
		if descriptor, ok := definition["providerState"].(string); ok && descriptor != "" {
			states = append(states, ProviderState{Descriptor: descriptor, Params: map[string]interface{}{}})
		}
		return states, nil
	}

	rawStates, ok := raw.([]interface{})
	if !ok {
		return nil, errors.New("providerStates is not a list")
	}
	for i, r := range rawStates {
		state, ok := r.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("provider state %d is not an object", i)
		}
		descriptor, ok := state["name"].(string)
		if !ok {
			descriptor, ok = state["descriptor"].(string)
		}
		if !ok || descriptor == "" {
			return nil, errors.Errorf("provider state %d has no name", i)
		}
		params := map[string]interface{}{}
		if rawParams, ok := state["params"].(map[string]interface{}); ok {
			for k, v := range rawParams {
				params[k] = v
			}
		}
		states = append(states, ProviderState{Descriptor: descriptor, Params: params})
	}
	return states, nil
}
