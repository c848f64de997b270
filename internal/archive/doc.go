// Package archive keeps a durable record of requests the dead-letter queue gave
// up on, as one JSON object per failure in S3.
package archive
