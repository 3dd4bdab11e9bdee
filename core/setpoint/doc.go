// Package setpoint turns a dispatch record into the messages sent to field
// devices: one set-point per generator bus and one demand reduction order
// per bus with a nonzero reduction. Transports implement Publisher.
package setpoint
