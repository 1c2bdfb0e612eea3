package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create flows table
			CREATE TABLE flows (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				idempotency_key TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				ingested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				CONSTRAINT flows_name_idempotency_key_key UNIQUE (name, idempotency_key)
			);

			CREATE INDEX idx_flows_created_at ON flows(created_at DESC, id);

			-- Create steps table
			CREATE TABLE steps (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				version INT NOT NULL CHECK (version > 0),
				position INT NOT NULL CHECK (position >= 0),
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
				reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				CONSTRAINT steps_flow_id_name_version_key UNIQUE (flow_id, name, version),
				CONSTRAINT steps_flow_id_position_key UNIQUE (flow_id, position)
			);

			-- Create observations table
			CREATE TABLE observations (
				id UUID PRIMARY KEY,
				step_id UUID NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				version INT NOT NULL CHECK (version > 0),
				position INT NOT NULL CHECK (position >= 0),
				blob_url TEXT NOT NULL,
				queryable JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				CONSTRAINT observations_step_id_name_version_key UNIQUE (step_id, name, version)
			);

			CREATE INDEX idx_observations_step_id ON observations(step_id, position);
		`,
	}
}
