// Package logging provides structured logging for the ingestion engine.
//
// The Logger wraps Zap with context-aware methods. Every call pulls
// correlation data out of the context (trace and span ids, request id,
// tenant, project, file and job ids) so a single indexing run can be
// followed across the queue consumer, the pipeline and the vector index.
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Attach identifiers as the work moves through the system:
//
//	ctx = logging.WithTenant(ctx, tenantID)
//	ctx = logging.WithFile(ctx, fileID)
//	logger.Info(ctx, "file indexed", zap.Int("chunks", n))
//
// Tests use NewTestLogger, which records entries in memory.
package logging
