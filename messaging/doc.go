// Package messaging is the reliability layer the research pipeline publishes
// and consumes through.
//
// A Client is built from configuration and owns the broker connection:
//
//	cfg, err := config.Load()
//	client, err := messaging.NewClient(ctx, cfg)
//	defer client.Close()
//
//	if err := client.SetupTopology(ctx); err != nil {
//		return err
//	}
//
//	env, err := messaging.NewEnvelope(payload)
//	err = client.Publisher().Publish(ctx, env, messaging.QueueContentDiscovered)
//
// Publishing is a confirmed send wrapped by the configured retry strategy,
// itself wrapped by a circuit breaker. An open circuit fails fast with a
// *CircuitBreakerOpenError; exhausted retries give a *PublishError.
//
// Consumers run one handler per queue:
//
//	consumer, err := client.NewConsumer(messaging.WithMiddleware(messaging.Logging(logger)))
//	err = consumer.Subscribe(messaging.QueueContentDiscovered, func(ctx context.Context, env *messaging.Envelope) error {
//		var item Discovered
//		if err := env.Decode(&item); err != nil {
//			return err // permanent: dead-lettered
//		}
//		return process(ctx, item) // unclassified errors are redelivered
//	})
//	err = consumer.Start(ctx)
//
// A handler returning nil acks the message. An error wrapped with Permanent,
// or a malformed envelope, sends it to "<queue>.dlq". Any other error
// republishes it with retryCount incremented and the failure recorded in the
// x-failure-reason header; once retryCount would exceed the queue's
// redelivery limit it is dead-lettered instead.
package messaging
