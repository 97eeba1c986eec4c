package channel

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

// subscriptionTTL keeps orphaned subscriptions from living forever while
// staying above the provider's 86400s floor.
const subscriptionTTL = 24 * time.Hour

// SubscriptionFilter renders the attribute filter for one direction of a
// project (and optionally session) scoped exchange.
func SubscriptionFilter(userID, projectID, sessionID, chn string) string {
	f := fmt.Sprintf(`attributes.user_id = %q AND attributes.project_id = %q`, userID, projectID)
	if sessionID != "" {
		f += fmt.Sprintf(` AND attributes.session_id = %q`, sessionID)
	}
	return f + fmt.Sprintf(` AND attributes.channel = %q`, chn)
}

// SubscriptionPair names the two subscriptions of one consumer launch.
type SubscriptionPair struct {
	Req  string `json:"req"`
	Resp string `json:"resp"`
}

// EnsureSubscriptions creates the req and resp subscriptions with attribute
// filters and, when peerServiceAccount is set, binds it as subscriber on
// both. Existing subscriptions are left in place.
func EnsureSubscriptions(ctx context.Context, client *pubsub.Client, topic *pubsub.Topic,
	pair SubscriptionPair, userID, projectID, sessionID, peerServiceAccount string) error {

	for _, spec := range []struct {
		name string
		chn  string
	}{
		{pair.Req, ChannelReq},
		{pair.Resp, ChannelResp},
	} {
		sub := client.Subscription(spec.name)
		exists, err := sub.Exists(ctx)
		if err != nil {
			return fmt.Errorf("channel: subscription %s: %w", spec.name, err)
		}
		if !exists {
			_, err = client.CreateSubscription(ctx, spec.name, pubsub.SubscriptionConfig{
				Topic:            topic,
				Filter:           SubscriptionFilter(userID, projectID, sessionID, spec.chn),
				AckDeadline:      60 * time.Second,
				ExpirationPolicy: subscriptionTTL,
			})
			if err != nil {
				return fmt.Errorf("channel: create subscription %s: %w", spec.name, err)
			}
		}

		if peerServiceAccount != "" {
			handle := sub.IAM()
			policy, err := handle.Policy(ctx)
			if err != nil {
				return fmt.Errorf("channel: read policy %s: %w", spec.name, err)
			}
			policy.Add("serviceAccount:"+peerServiceAccount, "roles/pubsub.subscriber")
			if err := handle.SetPolicy(ctx, policy); err != nil {
				return fmt.Errorf("channel: bind subscriber %s: %w", spec.name, err)
			}
		}
	}
	return nil
}

// DeleteSubscriptions removes both subscriptions best-effort; failures are
// logged, not returned.
func DeleteSubscriptions(ctx context.Context, client *pubsub.Client, pair SubscriptionPair) {
	log := logrus.WithField("component", "channel.pubsub-admin")
	for _, name := range []string{pair.Req, pair.Resp} {
		if name == "" {
			continue
		}
		if err := client.Subscription(name).Delete(ctx); err != nil {
			log.WithError(err).WithField("subscription", name).Warn("delete subscription failed")
		}
	}
}
