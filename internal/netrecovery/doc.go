// Package netrecovery pauses running jobs when connectivity drops and
// resumes them, staggered, when it returns.
//
// Handler holds the pure decisions (flapping filter, staged delays, bulk
// pause and resume) and delivers their messages. Monitor polls a TCP probe,
// optionally nudged by netlink interface events, and drives the Handler on
// genuine transitions.
package netrecovery
