package remotedata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"

	"github.com/agentworkforce/contactsync/internal/transport"
)

const responseSchemaURL = "https://contactsync.local/schemas/remote-data-response.json"

const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["payloads"],
  "properties": {
    "payloads": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "timestamp", "data"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "timestamp": {"type": "string", "minLength": 1},
          "data": {"type": "object"}
        }
      }
    }
  }
}`

func compileResponseSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(responseSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(responseSchemaURL)
}

// HTTPClient fetches app and contact remote data. Response bodies are
// validated before they are decoded.
type HTTPClient struct {
	client     *transport.Client
	appKey     string
	platform   string
	sdkVersion string
	schema     *jsonschema.Schema
}

func NewHTTPClient(client *transport.Client, appKey, platform, sdkVersion string) (*HTTPClient, error) {
	if strings.TrimSpace(appKey) == "" {
		return nil, fmt.Errorf("%w: app key is required", ErrInvalidInput)
	}
	if platform == "" {
		platform = "go"
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, fmt.Errorf("compile remote data schema: %w", err)
	}
	return &HTTPClient{client: client, appKey: appKey, platform: platform, sdkVersion: sdkVersion, schema: schema}, nil
}

func (c *HTTPClient) query(locale language.Tag, randomValue int) url.Values {
	query := url.Values{}
	if locale != language.Und {
		base, _ := locale.Base()
		query.Set("language", base.String())
		if region, confidence := locale.Region(); confidence == language.Exact {
			query.Set("country", region.String())
		}
	}
	if c.sdkVersion != "" {
		query.Set("sdk_version", c.sdkVersion)
	}
	query.Set("random_value", strconv.Itoa(randomValue))
	return query
}

func (c *HTTPClient) appPath() string {
	return "/api/remote-data/app/" + url.PathEscape(c.appKey) + "/" + url.PathEscape(c.platform)
}

func (c *HTTPClient) contactPath(contactID string) string {
	return "/api/remote-data-contact/" + url.PathEscape(c.platform) + "/" + url.PathEscape(contactID)
}

// AppURL is the URL app remote data is fetched from for locale and
// randomValue.
func (c *HTTPClient) AppURL(locale language.Tag, randomValue int) string {
	return c.client.URL(c.appPath(), c.query(locale, randomValue))
}

func (c *HTTPClient) ContactURL(contactID string, locale language.Tag, randomValue int) string {
	return c.client.URL(c.contactPath(contactID), c.query(locale, randomValue))
}

func (c *HTTPClient) FetchApp(ctx context.Context, locale language.Tag, randomValue int, lastModified string) (FetchResult, error) {
	query := c.query(locale, randomValue)
	info := Info{URL: c.client.URL(c.appPath(), query), Source: SourceApp}
	return c.fetch(ctx, c.appPath(), query, lastModified, "", info)
}

func (c *HTTPClient) FetchContact(ctx context.Context, contactID, token string, locale language.Tag, randomValue int, lastModified string) (FetchResult, error) {
	query := c.query(locale, randomValue)
	path := c.contactPath(contactID)
	info := Info{URL: c.client.URL(path, query), Source: SourceContact, ContactID: contactID}
	return c.fetch(ctx, path, query, lastModified, token, info)
}

type responsePayload struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type response struct {
	Payloads []responsePayload `json:"payloads"`
}

func (c *HTTPClient) fetch(ctx context.Context, path string, query url.Values, lastModified, token string, info Info) (FetchResult, error) {
	headers := map[string]string{}
	if lastModified != "" {
		headers["If-Modified-Since"] = lastModified
	}
	resp, err := c.client.Do(ctx, transport.Request{
		Method:      http.MethodGet,
		Path:        path,
		Query:       query,
		Headers:     headers,
		BearerToken: token,
	})
	if err != nil {
		return FetchResult{}, err
	}
	result := FetchResult{StatusCode: resp.StatusCode}
	if !resp.IsSuccess() {
		return result, nil
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(resp.Body))
	if err != nil {
		return result, fmt.Errorf("decode remote data: %w", err)
	}
	if err := c.schema.Validate(instance); err != nil {
		return result, fmt.Errorf("invalid remote data response: %w", err)
	}
	var body response
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return result, fmt.Errorf("decode remote data: %w", err)
	}

	info.LastModified = resp.Header.Get("Last-Modified")
	result.Info = info
	result.Payloads = make([]Payload, 0, len(body.Payloads))
	for _, payload := range body.Payloads {
		payloadInfo := info
		result.Payloads = append(result.Payloads, Payload{
			Type:      payload.Type,
			Timestamp: payload.Timestamp,
			Data:      payload.Data,
			Info:      &payloadInfo,
		})
	}
	return result, nil
}
