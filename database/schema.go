package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- categories table: firmware categories, scoped to an organization
CREATE TABLE IF NOT EXISTS categories (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    organization TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    UNIQUE (name, organization)
);

-- builds table: one firmware release, owning one image per type
CREATE TABLE IF NOT EXISTS builds (
    id TEXT PRIMARY KEY,
    category_id TEXT NOT NULL,
    version TEXT NOT NULL,
    os TEXT,
    changelog TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (category_id) REFERENCES categories(id) ON DELETE CASCADE,
    UNIQUE (category_id, version)
);

CREATE INDEX IF NOT EXISTS idx_builds_category_id ON builds(category_id);
CREATE INDEX IF NOT EXISTS idx_builds_os ON builds(os);

-- firmware_images table: one flashable binary per (build, type)
CREATE TABLE IF NOT EXISTS firmware_images (
    id TEXT PRIMARY KEY,
    build_id TEXT NOT NULL,
    type TEXT NOT NULL,
    filename TEXT NOT NULL,
    local_path TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE,
    UNIQUE (build_id, type),
    CHECK (size_bytes >= 0)
);

CREATE INDEX IF NOT EXISTS idx_firmware_images_build_id ON firmware_images(build_id);
CREATE INDEX IF NOT EXISTS idx_firmware_images_type ON firmware_images(type);

-- devices table: the managed network devices
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    organization TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    os TEXT NOT NULL DEFAULT '',
    addresses TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_devices_model ON devices(model);
CREATE INDEX IF NOT EXISTS idx_devices_organization ON devices(organization);
CREATE INDEX IF NOT EXISTS idx_devices_os ON devices(os);

-- device_credentials table: SSH connection parameters per device
CREATE TABLE IF NOT EXISTS device_credentials (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    strategy TEXT NOT NULL DEFAULT 'openwrt-ssh',
    username TEXT NOT NULL DEFAULT 'root',
    password TEXT NOT NULL DEFAULT '',
    private_key TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 22,
    is_working BOOLEAN NOT NULL DEFAULT 1,
    last_failure_reason TEXT NOT NULL DEFAULT '',
    last_attempt_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE,
    CHECK (is_working IN (0, 1)),
    CHECK (port > 0 AND port < 65536)
);

CREATE INDEX IF NOT EXISTS idx_device_credentials_device_id ON device_credentials(device_id);

-- device_firmwares table: current image assignment, one per device
CREATE TABLE IF NOT EXISTS device_firmwares (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL UNIQUE,
    image_id TEXT NOT NULL,
    installed BOOLEAN NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE,
    FOREIGN KEY (image_id) REFERENCES firmware_images(id) ON DELETE CASCADE,
    CHECK (installed IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_device_firmwares_image_id ON device_firmwares(image_id);

-- batch_upgrade_operations table: one mass rollout of a build
CREATE TABLE IF NOT EXISTS batch_upgrade_operations (
    id TEXT PRIMARY KEY,
    build_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    dry_run BOOLEAN NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE,
    CHECK (status IN ('idle', 'in-progress', 'success', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_batch_upgrade_operations_build_id ON batch_upgrade_operations(build_id);
CREATE INDEX IF NOT EXISTS idx_batch_upgrade_operations_status ON batch_upgrade_operations(status);

-- upgrade_operations table: one attempt to flash one image onto one device
CREATE TABLE IF NOT EXISTS upgrade_operations (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    image_id TEXT,
    batch_id TEXT,
    status TEXT NOT NULL DEFAULT 'in-progress',
    log TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE,
    FOREIGN KEY (image_id) REFERENCES firmware_images(id) ON DELETE SET NULL,
    FOREIGN KEY (batch_id) REFERENCES batch_upgrade_operations(id) ON DELETE CASCADE,
    CHECK (status IN ('in-progress', 'success', 'failed', 'aborted'))
);

CREATE INDEX IF NOT EXISTS idx_upgrade_operations_device_id ON upgrade_operations(device_id);
CREATE INDEX IF NOT EXISTS idx_upgrade_operations_batch_id ON upgrade_operations(batch_id);
CREATE INDEX IF NOT EXISTS idx_upgrade_operations_status ON upgrade_operations(status);
CREATE INDEX IF NOT EXISTS idx_upgrade_operations_created_at ON upgrade_operations(created_at);
`
