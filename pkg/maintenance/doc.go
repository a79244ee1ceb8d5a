/*
Package maintenance runs the periodic housekeeping pass: stale lease
recovery, agent liveness and garbage collection, retention sweeps,
done-task archival and the SLO evaluator.
*/
package maintenance
