// Package workflow implements a durable workflow engine layered over the
// job queue: workflow handlers run inside ordinary jobs, call step
// primitives through a [Context], and suspend and resume across dispatches
// by persisting their progress into the job's own payload. There is no
// separate workflow store — a [JobState] rides inside job.Job.Payload, and
// a completed workflow's external result rides in job.Job.ReturnValue.
//
// # Defining a workflow
//
//	var ProcessOrder = workflow.NewWorkflow("process-order",
//	    func(ctx *workflow.Context, j *job.Job, input OrderInput) (any, error) {
//	        if _, err := ctx.Run("validate", func(context.Context) (any, error) {
//	            return nil, validateOrder(input)
//	        }); err != nil {
//	            return nil, err
//	        }
//
//	        if err := ctx.Sleep("cooldown", time.Hour); err != nil {
//	            return nil, err
//	        }
//
//	        charge, err := ctx.Run("charge", func(context.Context) (any, error) {
//	            return chargeCard(input.PaymentToken, input.Amount)
//	        })
//	        if err != nil {
//	            return nil, err
//	        }
//
//	        return charge.Result, nil
//	    },
//	)
//
// Register it once at startup:
//
//	reg := workflow.NewRegistry()
//	workflow.RegisterDefinition(reg, ProcessOrder)
//	dispatcher := workflow.NewDispatcher(reg, store, logger)
//
// and start instances of it from anywhere with access to the dispatcher:
//
//	j, err := workflow.Start(ctx, dispatcher, ProcessOrder, OrderInput{OrderID: "ord_1"})
//
// # Step primitives
//
// [Context.Run] executes a function exactly once across the life of a job,
// replaying its cached result on later dispatches. [Context.Sleep] and
// [Context.SleepUntil] suspend the job for a duration or until a deadline.
// [Context.Repeat] retries a function until it returns a truthy result or
// an attempt limit is hit, optionally pacing attempts with a delay.
// [Context.Invoke] starts another workflow as a separate job and suspends
// until it finishes, propagating its return value or failure back.
//
// # Suspension
//
// A step that cannot make progress yet (a sleeping timer, a repeat waiting
// for its next attempt, an invoke waiting on another job) returns
// dispatch.ErrSuspend up through the handler. The [Dispatcher] treats that
// as a clean, non-failing outcome: the job's JobState is persisted with the
// step marked delayed and the job's own State set to job.StateDelayed, to
// be redispatched once RunAt elapses.
//
// # Integration with the job queue
//
// worker.Executor calls [Dispatcher.TryDispatch] before consulting its own
// plain job.Registry. A false return means the job isn't a registered
// workflow and the executor's usual handler lookup applies unchanged.
package workflow
