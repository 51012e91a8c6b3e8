// Command parsewatch uploads name lists to the hosted parsing service and
// follows the resulting jobs until their results are downloaded or expire.
//
// Short commands (jobs, results, download, usage) run one request and exit.
// The watch command keeps a single instance running that polls active jobs,
// raises expiry warnings, and reconciles provisional access after checkout.
package main
