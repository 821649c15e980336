// Package gcp holds the Google Cloud clients a dossier process shares: the
// Firestore client behind the queue and case records, and the Pub/Sub
// client behind status updates.
package gcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	dserr "github.com/i4g/dossiers/pkg/errors"
)

// Client is safe for concurrent use.
type Client struct {
	ProjectID       string
	Region          string
	FirestoreClient *firestore.Client
	PubSubClient    *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewClient connects to Firestore and Pub/Sub in projectID.
func NewClient(ctx context.Context, projectID, region string, opts ...option.ClientOption) (*Client, error) {
	if projectID == "" {
		return nil, dserr.New(dserr.CodeMissingRequired, "GCP project id is required")
	}

	fs, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, dserr.Wrap(err, dserr.CodeServiceUnavailable, "connect firestore")
	}
	ps, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		fs.Close()
		return nil, dserr.Wrap(err, dserr.CodeServiceUnavailable, "connect pubsub")
	}

	return &Client{
		ProjectID:       projectID,
		Region:          region,
		FirestoreClient: fs,
		PubSubClient:    ps,
		topics:          map[string]*pubsub.Topic{},
	}, nil
}

// topic returns a cached publisher for name. Status reporters publish
// several updates per batch, so topics are kept open until Close.
func (c *Client) topic(name string) *pubsub.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.topics[name]; ok {
		return t
	}
	if c.topics == nil {
		c.topics = map[string]*pubsub.Topic{}
	}
	t := c.PubSubClient.Topic(name)
	c.topics[name] = t
	return t
}

// PublishMessage publishes data to topicName and blocks until the server
// acknowledges it. The topic must already exist.
func (c *Client) PublishMessage(ctx context.Context, topicName string, data []byte, attributes map[string]string) error {
	if c.PubSubClient == nil {
		return dserr.New(dserr.CodeServiceUnavailable, "pubsub client not connected")
	}
	res := c.topic(topicName).Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	if _, err := res.Get(ctx); err != nil {
		return dserr.Wrap(err, dserr.CodeServiceUnavailable, fmt.Sprintf("publish to %s", topicName))
	}
	return nil
}

// Close flushes open topics and closes both clients. Nil clients are skipped.
func (c *Client) Close() error {
	c.mu.Lock()
	for name, t := range c.topics {
		t.Stop()
		delete(c.topics, name)
	}
	c.mu.Unlock()

	var errs []error
	if c.FirestoreClient != nil {
		if err := c.FirestoreClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close firestore: %w", err))
		}
	}
	if c.PubSubClient != nil {
		if err := c.PubSubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	return stderrors.Join(errs...)
}
