// Package notify tells the other participant about a new message out of band.
//
// The Dispatcher is called by the message log after every durable append. It
// only enqueues a Job, so a slow or failing transport never delays or fails the
// send. Queued jobs are processed by a Deliverer, which dedupes by message id,
// skips recipients that are currently online, composes the notification and
// hands it to a Transport with a bounded number of attempts.
//
// Two queues are available: MemoryQueue for single-node deployments and
// AsynqQueue, which persists jobs in Redis.
package notify
