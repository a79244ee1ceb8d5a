/*
Package donegate enforces the completion requirements of a task: passed
verification, a confidence floor, a reliability-adjusted confidence
threshold, an independent verifier when the threshold is not met (always
under strict consistency), and a minimum evidence set.
*/
package donegate
